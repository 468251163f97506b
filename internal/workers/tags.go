package workers

import (
	"strconv"
	"strings"

	"ensemble/internal/apperr"
	"ensemble/internal/workflow"
)

// Tags are the recognised request tags.
type Tags struct {
	Write    string
	WriteSet bool
	Pages    int
	Auto     bool
	Loops    int
	LoopSet  bool
	Worker   string
	Category string
	Augment  bool
}

type Caps struct {
	MaxPages int
	MaxLoops int
}

// ParseTags reads raw request tags. Unknown keys are ignored. Counts are
// clamped to caps.
func ParseTags(raw map[string]string, caps Caps) (Tags, error) {
	var t Tags
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		val := strings.TrimSpace(v)
		switch key {
		case "write":
			t.WriteSet = true
			t.Write = val
		case "pages":
			n, err := count(key, val)
			if err != nil {
				return Tags{}, err
			}
			t.Pages = capAt(n, caps.MaxPages)
		case "auto":
			t.Auto = truthy(val, true)
		case "loop":
			t.LoopSet = true
			if val != "" {
				n, err := count(key, val)
				if err != nil {
					return Tags{}, err
				}
				t.Loops = capAt(n, caps.MaxLoops)
			}
		case "worker":
			t.Worker = strings.ToLower(val)
		case "category":
			t.Category = val
		case "augment":
			t.Augment = truthy(val, false)
		}
	}
	return t, nil
}

func count(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		return 0, apperr.Validation("tags", "%s must be a positive integer, got %q", key, val)
	}
	return n, nil
}

func capAt(n, max int) int {
	if max > 0 && n > max {
		return max
	}
	return n
}

func truthy(val string, empty bool) bool {
	switch strings.ToLower(val) {
	case "":
		return empty
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Explicit reports the workflow the tags ask for, if any.
func (t Tags) Explicit(hasFiles bool) (string, workflow.Params, bool, error) {
	p := workflow.Params{File: t.Write, Pages: t.Pages, Loops: t.Loops}
	switch {
	case t.Pages > 0:
		return workflow.NameWritePages, p, true, nil
	case t.WriteSet:
		return workflow.NameWrite, p, true, nil
	case t.Auto:
		if !hasFiles {
			return "", p, false, apperr.Validation("tags", "auto needs at least one attached file")
		}
		return workflow.NameAuto, p, true, nil
	case t.LoopSet:
		return workflow.NameLoop, p, true, nil
	}
	return "", p, false, nil
}
