// Package validate turns raw job submissions into well-formed JobRequests.
// It performs no I/O: storage keys are checked for shape, not existence.
package validate

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

var (
	languageRe = regexp.MustCompile(`^(auto|[a-z]{2})$`)
	bitrateRe  = regexp.MustCompile(`^[1-9][0-9]{1,3}k$`)
)

// envelope is the outer shape of a submission.
type envelope struct {
	Kind           string          `json:"kind" validate:"required"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	ID             string          `json:"id" validate:"omitempty,max=128"`
	WebhookURL     string          `json:"webhook_url" validate:"omitempty,http_url"`
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Registration only fails on empty tags or nil funcs.
	_ = v.RegisterValidation("objectkey", func(fl validator.FieldLevel) bool {
		return ports.ValidateKey(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("even", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 0
	})
	_ = v.RegisterValidation("language", func(fl validator.FieldLevel) bool {
		return languageRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("bitrate", func(fl validator.FieldLevel) bool {
		return bitrateRe.MatchString(fl.Field().String())
	})

	return &Validator{v: v}
}

// Request validates a JSON submission. The returned request carries
// normalized parameters with defaults applied.
func (v *Validator) Request(raw []byte) (models.JobRequest, error) {
	var env envelope
	if err := strictDecode(raw, &env); err != nil {
		return models.JobRequest{}, decodeError(err, "")
	}
	if err := v.v.Struct(env); err != nil {
		return models.JobRequest{}, fieldError(err, "")
	}

	kind := models.Kind(strings.ToLower(strings.TrimSpace(env.Kind)))
	params := models.NewParams(kind)
	if params == nil {
		return models.JobRequest{}, errors.ValidationField("kind",
			fmt.Sprintf("unsupported kind %q", env.Kind)).
			WithField("expected", kindNames())
	}

	body := bytes.TrimSpace(env.Params)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}
	if body[0] != '{' {
		return models.JobRequest{}, errors.ValidationField("params", "must be an object")
	}
	if err := strictDecode(body, params); err != nil {
		return models.JobRequest{}, decodeError(err, "params.")
	}

	params.Defaults()
	if err := v.v.Struct(params); err != nil {
		return models.JobRequest{}, fieldError(err, "params.")
	}
	if err := params.Check(); err != nil {
		return models.JobRequest{}, err
	}

	normalized, err := toMap(params)
	if err != nil {
		return models.JobRequest{}, errors.Wrap(err, "validate.request", "normalize params")
	}

	return models.JobRequest{
		Kind:           kind,
		Params:         normalized,
		IdempotencyKey: env.IdempotencyKey,
		CallerID:       env.ID,
		WebhookURL:     env.WebhookURL,
	}, nil
}

// Params re-validates an already-built request, e.g. one constructed in
// code rather than decoded from JSON.
func (v *Validator) Params(req models.JobRequest) (models.JobRequest, error) {
	raw, err := json.Marshal(struct {
		Kind           models.Kind    `json:"kind"`
		Params         map[string]any `json:"params"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
		ID             string         `json:"id,omitempty"`
		WebhookURL     string         `json:"webhook_url,omitempty"`
	}{req.Kind, req.Params, req.IdempotencyKey, req.CallerID, req.WebhookURL})
	if err != nil {
		return models.JobRequest{}, errors.ValidationField("params", "not encodable: "+err.Error())
	}
	return v.Request(raw)
}

func strictDecode(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return stderrors.New("trailing data after JSON value")
	}
	return nil
}

func decodeError(err error, prefix string) error {
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = strings.TrimSuffix(prefix, ".")
		} else {
			field = prefix + field
		}
		if field == "" {
			field = "body"
		}
		return errors.ValidationField(field, "expected "+typeErr.Type.String()+", got "+typeErr.Value).
			WithField("expected", typeErr.Type.String())
	}

	msg := err.Error()
	if name, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		name = strings.Trim(name, `"`)
		return errors.ValidationField(prefix+name, "unknown field")
	}

	field := "body"
	if prefix != "" {
		field = strings.TrimSuffix(prefix, ".")
	}
	return errors.ValidationField(field, "malformed JSON: "+msg)
}

func fieldError(err error, prefix string) error {
	var ves validator.ValidationErrors
	if !stderrors.As(err, &ves) || len(ves) == 0 {
		return errors.WrapWithCode(err, errors.CodeValidation, "validate", "invalid request")
	}
	fe := ves[0]
	field := prefix + fe.Field()

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		msg = "must be at least " + fe.Param()
	case "max":
		msg = "must be at most " + fe.Param()
	case "http_url":
		msg = "must be an http or https URL"
	case "even":
		msg = "must be an even number"
	case "objectkey":
		msg = "must be a relative storage key"
	case "language":
		msg = "must be auto or a two-letter ISO-639-1 code"
	case "bitrate":
		msg = "must look like 128k"
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	if fe.Kind() == reflect.String && (fe.Tag() == "min" || fe.Tag() == "max") {
		msg += " characters"
	}

	e := errors.ValidationField(field, field+" "+msg)
	if fe.Param() != "" {
		e = e.WithField("expected", fe.Param())
	}
	return e
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func kindNames() []string {
	out := make([]string, len(models.Kinds))
	for i, k := range models.Kinds {
		out[i] = string(k)
	}
	return out
}
