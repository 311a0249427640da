package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/jean-turgeon/lambdapipeline/internal/event"
	"github.com/jean-turgeon/lambdapipeline/internal/guard"
	"github.com/jean-turgeon/lambdapipeline/internal/popcsv"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    map[string][]byte
	getErr  error
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

type fakeDB struct {
	item   map[string]dbtypes.AttributeValue
	put    *dynamodb.PutItemInput
	putErr error
}

func (f *fakeDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

type fakeCW struct{ called int }

func (f *fakeCW) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.called++
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakeProfiles struct {
	p   popcsv.Profile
	err error
}

func (f *fakeProfiles) Load(ctx context.Context, name string) (popcsv.Profile, error) {
	return f.p, f.err
}

type fakeLease struct {
	held     bool
	err      error
	released int
}

func (f *fakeLease) Acquire(ctx context.Context, key string, at time.Time) (bool, error) {
	return !f.held, f.err
}

func (f *fakeLease) Release(ctx context.Context, key string) error {
	f.released++
	return nil
}

func newDetail(key string, size int64) event.ObjectCreated {
	return event.ObjectCreated{
		Bucket: event.Bucket{Name: "ingest"},
		Object: event.Object{Key: key, Size: size},
		Reason: event.ReasonPutObject,
	}
}

func setup(fs3 *fakeS3, db *fakeDB, lse *fakeLease) *fakeCW {
	s3Client = fs3
	dbClient = db
	cw := &fakeCW{}
	cwClient = cw
	leases = lse
	profiles = &fakeProfiles{p: popcsv.Profile{
		RequiredColumns: []string{"region", "year", "population"},
		KeyColumn:       "region",
		ValueColumn:     "population",
	}}
	log = zap.NewNop().Sugar()
	now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	outputBucket = "out"
	manifestTable = "Manifest"
	profileParam = "/pipeline/profile"
	keyPrefix = "population"
	outputPrefix = "processed/population"
	return cw
}

const sampleCSV = "region,year,population\ntx,2024,10\nca,2024,\"1,000\"\n"

func TestHandlerSuccess(t *testing.T) {
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte(sampleCSV)}}
	db := &fakeDB{}
	lse := &fakeLease{}
	cw := setup(fs3, db, lse)

	resp, err := handler(context.Background(), newDetail("population/raw.csv", 64))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Message != "processed" || resp.Rows != 2 || resp.BadRows != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	wantKey := "processed/population/2024/05/01/raw.csv"
	if resp.OutputKey != wantKey {
		t.Errorf("output key = %q", resp.OutputKey)
	}
	out, ok := fs3.puts["out/"+wantKey]
	if !ok {
		t.Fatalf("output not written, puts: %v", fs3.puts)
	}
	want := "region,year,population\nca,2024,1000\ntx,2024,10\n"
	if got := string(out); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if db.put == nil {
		t.Error("manifest not written")
	}
	if cw.called == 0 {
		t.Error("metrics not sent")
	}
	if lse.released != 1 {
		t.Errorf("lease released %d times", lse.released)
	}
}

func TestHandlerIgnoresNonMatching(t *testing.T) {
	fs3 := &fakeS3{}
	setup(fs3, &fakeDB{}, &fakeLease{})

	d := newDetail("reports/raw.csv", 64)
	resp, err := handler(context.Background(), d)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Message != "ignored" {
		t.Errorf("message = %q", resp.Message)
	}

	d = newDetail("population/raw.csv", 64)
	d.Reason = "LifecycleTransition"
	if resp, _ = handler(context.Background(), d); resp.Message != "ignored" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandlerTooLarge(t *testing.T) {
	setup(&fakeS3{}, &fakeDB{}, &fakeLease{})
	if _, err := handler(context.Background(), newDetail("population/big.csv", 51*1024*1024)); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandlerLeaseHeld(t *testing.T) {
	lse := &fakeLease{held: true}
	setup(&fakeS3{}, &fakeDB{}, lse)
	resp, err := handler(context.Background(), newDetail("population/raw.csv", 64))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Message != "in progress" {
		t.Errorf("message = %q", resp.Message)
	}
	if lse.released != 0 {
		t.Error("lease released without being acquired")
	}
}

func TestHandlerDuplicate(t *testing.T) {
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte(sampleCSV)}}
	sum, err := guard.ComputeSHA256(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("sha: %v", err)
	}
	db := &fakeDB{item: map[string]dbtypes.AttributeValue{
		"SHA256": &dbtypes.AttributeValueMemberS{Value: sum},
	}}
	lse := &fakeLease{}
	setup(fs3, db, lse)

	resp, err := handler(context.Background(), newDetail("population/raw.csv", 64))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Message != "duplicate" {
		t.Errorf("message = %q", resp.Message)
	}
	if len(fs3.puts) != 0 {
		t.Error("duplicate produced output")
	}
	if lse.released != 1 {
		t.Error("lease not released")
	}
}

func TestHandlerBadRowsReport(t *testing.T) {
	csv := "region,year,population\nca,2024,100\ntx,2024,n/a\n"
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte(csv)}}
	setup(fs3, &fakeDB{}, &fakeLease{})

	resp, err := handler(context.Background(), newDetail("population/raw.csv", 64))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Rows != 1 || resp.BadRows != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	report, ok := fs3.puts["out/processed/population/2024/05/01/raw_errors.csv"]
	if !ok {
		t.Fatalf("error report not written, puts: %v", fs3.puts)
	}
	if !strings.Contains(string(report), "n/a") {
		t.Errorf("report = %q", report)
	}
}

func TestHandlerEmptyFile(t *testing.T) {
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte("region,year,population\n")}}
	setup(fs3, &fakeDB{}, &fakeLease{})
	resp, err := handler(context.Background(), newDetail("population/raw.csv", 24))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.Message != "empty file" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandlerTransformError(t *testing.T) {
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte("region,year\nca,2024\n")}}
	lse := &fakeLease{}
	setup(fs3, &fakeDB{}, lse)
	if _, err := handler(context.Background(), newDetail("population/raw.csv", 24)); err == nil {
		t.Fatal("expected error")
	}
	if lse.released != 1 {
		t.Error("lease not released on failure")
	}
}

func TestHandlerManifestError(t *testing.T) {
	fs3 := &fakeS3{objects: map[string][]byte{"population/raw.csv": []byte(sampleCSV)}}
	db := &fakeDB{putErr: errors.New("bad")}
	setup(fs3, db, &fakeLease{})
	if _, err := handler(context.Background(), newDetail("population/raw.csv", 64)); err == nil || !strings.Contains(err.Error(), "write manifest") {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestRun(t *testing.T) {
	called := false
	lambdaStart = func(i interface{}) { called = true }
	loadConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, nil
	}
	if err := run(); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !called {
		t.Fatal("start not called")
	}
}

func TestRunConfigError(t *testing.T) {
	lambdaStart = func(i interface{}) {}
	loadConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("cfg")
	}
	if err := run(); err == nil {
		t.Fatal("expected error")
	}
}
