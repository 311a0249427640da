package profile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"go.uber.org/zap"
)

const goodProfile = `{
  "requiredColumns": ["region", "year", "population"],
  "keyColumn": "region",
  "valueColumn": "population",
  "groupBy": ["region"],
  "dropEmpty": true,
  "outputPrefix": "processed/population"
}`

type mockSSM struct {
	value string
	err   error
	calls int
}

func (m *mockSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{Value: &m.value},
	}, nil
}

func TestLoader_Load_SuccessAndCache(t *testing.T) {
	m := &mockSSM{value: goodProfile}
	l := New(m, zap.NewNop().Sugar())

	p, err := l.Load(context.Background(), "pop-default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.KeyColumn != "region" || p.ValueColumn != "population" || !p.DropEmpty {
		t.Errorf("unexpected profile: %+v", p)
	}
	if m.calls != 1 {
		t.Errorf("expected 1 call, got %d", m.calls)
	}

	if _, err = l.Load(context.Background(), "pop-default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.calls != 1 {
		t.Errorf("expected 1 call after cache, got %d", m.calls)
	}
}

func TestLoader_Load_Error(t *testing.T) {
	m := &mockSSM{err: errors.New("fail")}
	l := New(m, zap.NewNop().Sugar())
	_, err := l.Load(context.Background(), "bad")
	if err == nil || err.Error() != "get parameter bad: fail" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "notjson", "decode"},
		{"missing keyColumn", `{"requiredColumns":["a"],"valueColumn":"a"}`, "schema"},
		{"empty required", `{"requiredColumns":[],"keyColumn":"a","valueColumn":"a"}`, "schema"},
		{"unknown field", `{"requiredColumns":["a"],"keyColumn":"a","valueColumn":"a","extra":1}`, "schema"},
		{"key not required", `{"requiredColumns":["a"],"keyColumn":"b","valueColumn":"a"}`, "keyColumn"},
		{"value not required", `{"requiredColumns":["a"],"keyColumn":"a","valueColumn":"b"}`, "valueColumn"},
		{"group not required", `{"requiredColumns":["a"],"keyColumn":"a","valueColumn":"a","groupBy":["b"]}`, "groupBy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
