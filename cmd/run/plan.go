package run

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/pipeline"
	"github.com/orderly/orderly/pkg/publish"
)

var ErrInvalidPlan = errors.New("invalid plan")

// Stage fetches one document, optionally iterates an array in it, and emits
// a record per item. Follow runs for every (kept) item.
type Stage struct {
	// Name labels the records of the stage. Defaults to the stage depth.
	Name string `json:"name,omitempty"`

	// URL is the document to fetch. Only the root stage uses it; nested
	// stages read their URL from the item at Link.
	URL  string `json:"url,omitempty"`
	Link string `json:"link,omitempty"`

	// Items is the path of the array to iterate. Empty means the document
	// itself is the only item.
	Items string `json:"items,omitempty"`

	// Filter is a CEL expression over the variable item deciding whether the
	// item is kept.
	Filter string `json:"filter,omitempty"`

	// Fields maps record keys to paths in the item.
	Fields map[string]string `json:"fields,omitempty"`

	Exclusive bool `json:"exclusive,omitempty"`
	Throttle  bool `json:"throttle,omitempty"`
	Retries   *int `json:"retries,omitempty"`
	// Backoff is a duration such as "500ms".
	Backoff string `json:"backoff,omitempty"`

	Follow *Stage `json:"follow,omitempty"`
}

type Plan struct {
	Stage
}

// Record is one extracted item.
type Record struct {
	Stage  string         `json:"stage"`
	URL    string         `json:"url"`
	Fields map[string]any `json:"fields"`
}

// LoadPlan reads a YAML (or JSON) plan file.
func LoadPlan(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(raw)
}

// ParsePlan decodes a YAML (or JSON) plan. Unknown keys are rejected and
// fields a stage leaves out stay unset, so that StepDefaults apply to them.
func ParsePlan(raw []byte) (*Plan, error) {
	doc, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	var plan Plan
	decoder := json.NewDecoder(bytes.NewReader(doc))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err := plan.Verify(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) Verify() error {
	if p.URL == "" {
		return fmt.Errorf("%w: the root stage needs a url", ErrInvalidPlan)
	}
	depth := 0
	for stage := p.Follow; stage != nil; stage = stage.Follow {
		depth++
		if stage.Link == "" {
			return fmt.Errorf("%w: the stage at depth %d needs a link", ErrInvalidPlan, depth)
		}
		if stage.URL != "" {
			return fmt.Errorf("%w: only the root stage may set a url", ErrInvalidPlan)
		}
	}
	for stage := &p.Stage; stage != nil; stage = stage.Follow {
		if stage.Retries != nil && *stage.Retries < 0 {
			return fmt.Errorf("%w: retries cannot be negative", ErrInvalidPlan)
		}
		if stage.Backoff != "" {
			if d, err := time.ParseDuration(stage.Backoff); err != nil || d < 0 {
				return fmt.Errorf("%w: backoff %q is not a valid duration", ErrInvalidPlan, stage.Backoff)
			}
		}
	}
	return nil
}

// StepDefaults are the scheduling properties of stages that do not set them.
type StepDefaults struct {
	Retries int
	Backoff time.Duration
}

// Build turns the plan into a step tree emitting records to listener.
func (p *Plan) Build(b backend.Backend, listener publish.Listener[Record], defaults StepDefaults) (pipeline.Step, error) {
	return buildStage(&p.Stage, 0, b, listener, defaults)
}

func buildStage(stage *Stage, depth int, b backend.Backend, listener publish.Listener[Record], defaults StepDefaults) (pipeline.Step, error) {
	name := stage.Name
	if name == "" {
		name = fmt.Sprintf("stage-%d", depth)
	}

	var perItem []pipeline.Step
	if len(stage.Fields) > 0 {
		perItem = append(perItem, &pipeline.Emit[Record]{
			Listener: listener,
			Convert:  recordOf(name, stage.Fields),
		})
	}
	if stage.Follow != nil {
		follow, err := buildStage(stage.Follow, depth+1, b, listener, defaults)
		if err != nil {
			return nil, err
		}
		perItem = append(perItem, follow)
	}

	var item pipeline.Step = &pipeline.Sequence{Steps: perItem}
	if stage.Filter != "" {
		filter, err := pipeline.NewFilter(stage.Filter, item)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		item = filter
	}

	props := pipeline.Properties{
		Exclusive:    stage.Exclusive,
		Throttleable: stage.Throttle,
		Retries:      defaults.Retries,
		Backoff:      defaults.Backoff,
	}
	if stage.Retries != nil {
		props.Retries = *stage.Retries
	}
	if stage.Backoff != "" {
		backoff, err := time.ParseDuration(stage.Backoff)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
		props.Backoff = backoff
	}

	return &pipeline.Fetch{
		Backend: b,
		URL:     stage.URL,
		URLPath: stage.Link,
		Next:    &pipeline.ForEach{Path: stage.Items, Next: item},
		Props:   props,
	}, nil
}

func recordOf(stage string, fields map[string]string) func(pipeline.Input, *pipeline.Output) (Record, error) {
	return func(in pipeline.Input, _ *pipeline.Output) (Record, error) {
		r := Record{Stage: stage, URL: in.URL, Fields: make(map[string]any, len(fields))}
		for key, path := range fields {
			if v := in.Node.Get(path); v.Exists() {
				r.Fields[key] = v.Value()
			}
		}
		return r, nil
	}
}

// jsonLinesWriter writes every record as one JSON line.
type jsonLinesWriter struct {
	logger logger.Logger

	mu      sync.Mutex
	encoder *json.Encoder
	written int
}

var _ publish.Listener[Record] = (*jsonLinesWriter)(nil)

func newJSONLinesWriter(w io.Writer, l logger.Logger) *jsonLinesWriter {
	return &jsonLinesWriter{logger: l, encoder: json.NewEncoder(w)}
}

func (w *jsonLinesWriter) OnResult(r Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(r); err != nil {
		w.logger.Error("failed to write record", zap.String("stage", r.Stage), zap.Error(err))
		return
	}
	w.written++
}

func (w *jsonLinesWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}
