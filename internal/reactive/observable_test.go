package reactive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weatherglobe/tileengine/internal/reactive"
)

type tuple struct {
	Time     string
	Capacity int
	Layers   int
}

func comparators() []reactive.FieldComparator[tuple] {
	return []reactive.FieldComparator[tuple]{
		{Name: "Time", Get: func(t tuple) any { return t.Time }, Equal: func(a, b tuple) bool { return a.Time == b.Time }},
		{Name: "Capacity", Get: func(t tuple) any { return t.Capacity }, Equal: func(a, b tuple) bool { return a.Capacity == b.Capacity }},
		{Name: "Layers", Get: func(t tuple) any { return t.Layers }, Equal: func(a, b tuple) bool { return a.Layers == b.Layers }},
	}
}

func TestObservable_FirstSetEstablishesBaselineWithoutNotifying(t *testing.T) {
	o := reactive.New(comparators()...)
	var got []reactive.FieldChange
	o.Subscribe(func(c []reactive.FieldChange) { got = c })

	changes := o.Set(tuple{Time: "t0", Capacity: 5, Layers: 2})
	require.Nil(t, changes)
	require.Nil(t, got)
	require.Equal(t, tuple{Time: "t0", Capacity: 5, Layers: 2}, o.Get())
}

func TestObservable_Set_NotifiesOnlyChangedFields(t *testing.T) {
	o := reactive.New(comparators()...)
	o.Set(tuple{Time: "t0", Capacity: 5, Layers: 2})

	var got []reactive.FieldChange
	o.Subscribe(func(c []reactive.FieldChange) { got = c })

	changes := o.Set(tuple{Time: "t1", Capacity: 5, Layers: 2})
	require.Len(t, changes, 1)
	require.Equal(t, "Time", changes[0].Field)
	require.Equal(t, "t0", changes[0].Prior)
	require.Equal(t, "t1", changes[0].Next)
	require.Equal(t, changes, got)
}

func TestObservable_Set_NoChangeDoesNotNotify(t *testing.T) {
	o := reactive.New(comparators()...)
	o.Set(tuple{Time: "t0", Capacity: 5, Layers: 2})

	called := false
	o.Subscribe(func([]reactive.FieldChange) { called = true })

	changes := o.Set(tuple{Time: "t0", Capacity: 5, Layers: 2})
	require.Nil(t, changes)
	require.False(t, called)
}

func TestObservable_Set_MultipleFieldsChange(t *testing.T) {
	o := reactive.New(comparators()...)
	o.Set(tuple{Time: "t0", Capacity: 5, Layers: 2})

	changes := o.Set(tuple{Time: "t1", Capacity: 8, Layers: 2})
	require.Len(t, changes, 2)
	names := []string{changes[0].Field, changes[1].Field}
	require.ElementsMatch(t, []string{"Time", "Capacity"}, names)
}
