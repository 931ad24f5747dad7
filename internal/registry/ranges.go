package registry

import (
	"context"
	"fmt"

	"github.com/loykin/panel/internal/allocator"
	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/model"
)

// AddRange defines a new named port range.
func (r *Registry) AddRange(ctx context.Context, name string, start, end int) (model.PortRange, error) {
	pr := model.PortRange{Start: start, End: end}
	if err := model.ValidateRange(name, pr); err != nil {
		return model.PortRange{}, observe("range_add", err)
	}
	_, err := r.store.Update(ctx, func(doc *model.Document) error {
		if _, exists := doc.PortRanges[name]; exists {
			return &model.DuplicateRangeError{Names: []string{name}}
		}
		doc.PortRanges[name] = pr
		return nil
	})
	if err != nil {
		return model.PortRange{}, observe("range_add", err)
	}
	r.log.Info("port range added", "range", name, "start", start, "end", end)
	r.record(ctx, history.EventRangeAdd, "", 0, rangeDetail(name, pr))
	return pr, observe("range_add", nil)
}

// ResizeRange changes the bounds of an existing range. Ports already
// assigned from it are kept even when they fall outside the new bounds.
func (r *Registry) ResizeRange(ctx context.Context, name string, start, end int) (model.PortRange, error) {
	pr := model.PortRange{Start: start, End: end}
	if err := model.ValidateRange(name, pr); err != nil {
		return model.PortRange{}, observe("range_resize", err)
	}
	_, err := r.store.Update(ctx, func(doc *model.Document) error {
		if _, exists := doc.PortRanges[name]; !exists {
			return &model.UnknownRangeError{Range: name}
		}
		doc.PortRanges[name] = pr
		return nil
	})
	if err != nil {
		return model.PortRange{}, observe("range_resize", err)
	}
	r.log.Info("port range resized", "range", name, "start", start, "end", end)
	r.record(ctx, history.EventRangeResize, "", 0, rangeDetail(name, pr))
	return pr, observe("range_resize", nil)
}

// RemoveRange deletes a range no service references. The default range
// can never be removed.
func (r *Registry) RemoveRange(ctx context.Context, name string) error {
	_, err := r.store.Update(ctx, func(doc *model.Document) error {
		pr, exists := doc.PortRanges[name]
		if !exists {
			return &model.UnknownRangeError{Range: name}
		}
		if name == model.DefaultRange {
			return &model.InvalidRangeError{Name: name, Start: pr.Start, End: pr.End, Reason: "the default range cannot be removed"}
		}
		if users := doc.RangeUsers(name); len(users) > 0 {
			return &model.RangeInUseError{Range: name, Services: users}
		}
		delete(doc.PortRanges, name)
		return nil
	})
	if err != nil {
		return observe("range_remove", err)
	}
	r.log.Info("port range removed", "range", name)
	r.record(ctx, history.EventRangeRemove, "", 0, name)
	return observe("range_remove", nil)
}

// Ranges lists every range ordered by name with its usage.
func (r *Registry) Ranges(ctx context.Context) ([]RangeView, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RangeView, 0, len(doc.PortRanges))
	for _, name := range doc.RangeNames() {
		pr := doc.PortRanges[name]
		free, err := allocator.Free(doc, name)
		if err != nil {
			return nil, err
		}
		out = append(out, RangeView{
			Name:  name,
			Start: pr.Start,
			End:   pr.End,
			Used:  pr.Size() - free,
			Free:  free,
		})
	}
	return out, nil
}

func rangeDetail(name string, pr model.PortRange) string {
	return fmt.Sprintf("%s %d-%d", name, pr.Start, pr.End)
}

