// Package profile retrieves and caches transform profiles from SSM
// Parameter Store. Fetched documents are checked against the embedded
// schema before use so a bad parameter fails the run instead of
// silently misconfiguring it.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/jean-turgeon/lambdapipeline/internal/popcsv"

	_ "embed"
)

//go:embed profile-schema.json
var schemaData []byte
var schema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile-schema.json", strings.NewReader(string(schemaData))); err != nil {
		panic(err)
	}
	var err error
	schema, err = compiler.Compile("profile-schema.json")
	if err != nil {
		panic(err)
	}
}

// SSMAPI abstracts the SSM GetParameter operation for testability.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Loader fetches profiles by parameter name, caching each result for
// the lifetime of the execution environment.
type Loader struct {
	client SSMAPI
	cache  map[string]popcsv.Profile
	mu     sync.Mutex
	log    *zap.SugaredLogger
}

// New creates a Loader using the provided SSM client and logger.
func New(client SSMAPI, log *zap.SugaredLogger) *Loader {
	return &Loader{client: client, cache: make(map[string]popcsv.Profile), log: log}
}

// Load fetches and validates the profile stored under name.
func (l *Loader) Load(ctx context.Context, name string) (popcsv.Profile, error) {
	l.mu.Lock()
	if p, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	out, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{Name: &name})
	if err != nil {
		return popcsv.Profile{}, fmt.Errorf("get parameter %s: %w", name, err)
	}

	p, err := Parse([]byte(*out.Parameter.Value))
	if err != nil {
		return popcsv.Profile{}, fmt.Errorf("profile %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = p
	l.mu.Unlock()
	l.log.Infow("profile loaded", "name", name, "columns", p.RequiredColumns)
	return p, nil
}

// Parse validates raw profile JSON against the schema and decodes it.
// Semantic rules the schema cannot express are checked here too.
func Parse(raw []byte) (popcsv.Profile, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return popcsv.Profile{}, fmt.Errorf("decode: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return popcsv.Profile{}, fmt.Errorf("schema: %w", err)
	}
	var p popcsv.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return popcsv.Profile{}, fmt.Errorf("decode: %w", err)
	}

	required := make(map[string]bool, len(p.RequiredColumns))
	for _, c := range p.RequiredColumns {
		required[c] = true
	}
	if !required[p.KeyColumn] {
		return popcsv.Profile{}, fmt.Errorf("keyColumn %q not in requiredColumns", p.KeyColumn)
	}
	if !required[p.ValueColumn] {
		return popcsv.Profile{}, fmt.Errorf("valueColumn %q not in requiredColumns", p.ValueColumn)
	}
	for _, g := range p.GroupBy {
		if !required[g] {
			return popcsv.Profile{}, fmt.Errorf("groupBy column %q not in requiredColumns", g)
		}
	}
	return p, nil
}
