package wave

import "fmt"

// minAggregator tracks the smallest value seen so far and its owner.
// Equal values never replace the accumulator, so the earliest merged
// contributor of the minimum wins.
type minAggregator struct {
	own MinValue
	acc *MinValue
}

func newMinAggregator(self string, value int64) *minAggregator {
	return &minAggregator{own: MinValue{Value: value, Owner: self}}
}

func (a *minAggregator) contribute(m *Message) {
	own := a.own
	m.Min = &own
}

func (a *minAggregator) mergeOwn() {
	a.merge(Message{Kind: KindMin, Min: &a.own})
}

func (a *minAggregator) merge(m Message) {
	if m.Min == nil {
		return
	}
	if a.acc == nil || m.Min.Value < a.acc.Value {
		v := *m.Min
		a.acc = &v
	}
}

func (a *minAggregator) fill(m *Message) {
	if a.acc == nil {
		return
	}
	v := *a.acc
	m.Min = &v
}

func (a *minAggregator) finish(p Presenter) {
	if a.acc == nil {
		p.ShowText("<b>No minimal value found</b>")
		return
	}
	p.ShowText(fmt.Sprintf("<b>The minimal value is %d, owned by %s</b>", a.acc.Value, a.acc.Owner))
}

func (a *minAggregator) outcome() any {
	if a.acc == nil {
		return nil
	}
	return *a.acc
}
