package lifecycle

import (
	"os"
	"regexp"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/domain"
)

var varToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// MergeEnv builds the effective environment for a fresh workload: image
// defaults first, then caller-supplied values on top. An image-declared
// variable missing from the supplied set keeps its default; supplied keys
// the image never declared are passed through.
func MergeEnv(image *domain.Image, supplied map[string]string) map[string]string {
	env := make(map[string]string, len(image.Variables)+len(supplied))
	for _, v := range image.Variables {
		env[v.Env] = v.Default
	}
	for k, v := range supplied {
		env[k] = v
	}
	return env
}

// Interpolate substitutes ${VAR} tokens in s from env, falling back to the
// process environment, falling back to the empty string. Substitution is
// textual and non-recursive and never fails on unmatched tokens.
func Interpolate(s string, env map[string]string) string {
	return varToken.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := env[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ""
	})
}

// resolveFiles interpolates every file template's name and url against the
// merged environment.
func resolveFiles(templates []domain.FileTemplate, env map[string]string) []agent.File {
	if len(templates) == 0 {
		return nil
	}
	files := make([]agent.File, 0, len(templates))
	for _, t := range templates {
		files = append(files, agent.File{
			Name: Interpolate(t.Name, env),
			URL:  Interpolate(t.URL, env),
		})
	}
	return files
}
