package backup

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/panel/internal/env"
	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
)

// RecoverResult lists what Recover rebuilt and why other env files were
// passed over.
type RecoverResult struct {
	Recovered []string          `json:"recovered"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

var errNothingRecovered = errors.New("nothing to recover")

// Recover rebuilds registry entries from the environment files of units
// the supervisor reports active. Existing services are never overwritten.
func (m *Manager) Recover(ctx context.Context) (RecoverResult, error) {
	res, err := m.recoverUnits(ctx)
	metrics.ObserveOperation("recover", err)
	return res, err
}

func (m *Manager) recoverUnits(ctx context.Context) (RecoverResult, error) {
	res := RecoverResult{Skipped: map[string]string{}}
	paths, err := filepath.Glob(filepath.Join(m.cfg.EnvDir, "*.env"))
	if err != nil {
		return res, err
	}
	sort.Strings(paths)

	candidates := map[string]model.ServiceRecord{}
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), ".env")
		if err := model.ValidateName(name); err != nil {
			res.Skipped[name] = err.Error()
			continue
		}
		if m.cfg.Units != nil {
			if st := m.cfg.Units.Status(ctx, name); st != model.StatusActive {
				res.Skipped[name] = "unit is " + string(st)
				continue
			}
		}
		f, err := env.ParseFile(p)
		if err != nil {
			res.Skipped[name] = err.Error()
			continue
		}
		if f.Command == "" {
			res.Skipped[name] = "env file has no COMMAND"
			continue
		}
		candidates[name] = f.Record()
	}
	if len(candidates) == 0 {
		return res, nil
	}

	_, err = m.store.Update(ctx, func(doc *model.Document) error {
		names := make([]string, 0, len(candidates))
		for name := range candidates {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rec := candidates[name]
			if _, exists := doc.Services[name]; exists {
				res.Skipped[name] = "already registered"
				continue
			}
			if owner, taken := doc.PortOwner(rec.Port, ""); taken {
				res.Skipped[name] = "port " + rec.Env[model.PortEnv] + " is used by " + owner
				continue
			}
			rec.RangeName = rangeOf(doc, rec.Port)
			doc.Services[name] = rec
			res.Recovered = append(res.Recovered, name)
		}
		if len(res.Recovered) == 0 {
			return errNothingRecovered
		}
		return nil
	})
	if errors.Is(err, errNothingRecovered) {
		return res, nil
	}
	if err != nil {
		return RecoverResult{}, err
	}
	m.log.Info("services recovered from unit env files", "count", len(res.Recovered))
	m.cfg.History.Record(ctx, history.New(history.EventRecover, "", 0, strings.Join(res.Recovered, ",")))
	return res, nil
}

// rangeOf names the range containing port, preferring the default range.
func rangeOf(doc *model.Document, port int) string {
	if port <= 0 {
		return ""
	}
	if pr, ok := doc.PortRanges[model.DefaultRange]; ok && pr.Contains(port) {
		return model.DefaultRange
	}
	for _, name := range doc.RangeNames() {
		if doc.PortRanges[name].Contains(port) {
			return name
		}
	}
	return ""
}

