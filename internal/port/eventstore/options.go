package eventstore

import (
	"slices"

	"github.com/chatledger/chatledger/internal/domain/event"
)

// ApplyOptions filters, orders, and truncates an in-process event slice
// according to opts. The file and memory backends use it so that query
// semantics match the relational backend exactly; the input slice is not
// modified.
func ApplyOptions(evs []*event.Event, opts QueryOptions) []*event.Event {
	out := make([]*event.Event, 0, len(evs))
	for _, ev := range evs {
		if opts.SinceSeq > 0 && ev.Seq <= opts.SinceSeq {
			continue
		}
		if !opts.SinceTime.IsZero() && !ev.CreatedAt.After(opts.SinceTime) {
			continue
		}
		if !opts.WantsType(ev.Type) {
			continue
		}
		out = append(out, ev)
	}

	SortEvents(out, opts.Descending)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// SortEvents orders events by (seq, createdAt), ascending unless descending
// is set. The sort is stable so equal records keep their insertion order.
func SortEvents(evs []*event.Event, descending bool) {
	slices.SortStableFunc(evs, func(a, b *event.Event) int {
		cmp := compareEvents(a, b)
		if descending {
			return -cmp
		}
		return cmp
	})
}

func compareEvents(a, b *event.Event) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}
