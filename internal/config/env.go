package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"mediaq/internal/pkg/errors"
)

// envPrefix namespaces every override, e.g. MEDIAQ_QUEUE_CAPACITY.
const envPrefix = "MEDIAQ_"

func lookup(k string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + k))
	return v, v != ""
}

func envString(k string, dst *string) {
	if v, ok := lookup(k); ok {
		*dst = v
	}
}

// envInt, envBool and envDuration leave dst untouched when the variable is
// empty; malformed values are reported so a typo never silently falls back.
func envInt(k string, dst *int) error {
	v, ok := lookup(k)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return invalidEnv(k, v, err)
	}
	*dst = n
	return nil
}

func envFloat(k string, dst *float64) error {
	v, ok := lookup(k)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return invalidEnv(k, v, err)
	}
	*dst = f
	return nil
}

// envBool accepts what strconv.ParseBool accepts: 1,t,T,TRUE,true,True,0,f,F,FALSE,false,False.
func envBool(k string, dst *bool) error {
	v, ok := lookup(k)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return invalidEnv(k, v, err)
	}
	*dst = b
	return nil
}

func envDuration(k string, dst *time.Duration) error {
	v, ok := lookup(k)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return invalidEnv(k, v, err)
	}
	*dst = d
	return nil
}

func envList(k string, dst *[]string) {
	v, ok := lookup(k)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func invalidEnv(k, v string, err error) error {
	return errors.WrapWithCode(err, errors.CodeValidation, "config.env", "invalid value for "+envPrefix+k).
		WithField("field", envPrefix+k).
		WithField("value", v)
}
