package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
	"workq/internal/task"
)

func def(name, queue string) task.Definition {
	return task.Definition{
		Name:    name,
		Queue:   queue,
		Handler: task.HandlerFunc(func(context.Context, *task.Request) (any, error) { return nil, nil }),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(def("reports.generate", "default")))

	got, err := r.Lookup("reports.generate")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Queue)
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(def("a", "q")))
	err := r.Register(def("a", "other"))
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)

	got, _ := r.Lookup("a")
	assert.Equal(t, "q", got.Queue, "first registration wins")
}

func TestLookupUnknown(t *testing.T) {
	_, err := New().Lookup("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestNamesAndQueues(t *testing.T) {
	r := New()
	r.MustRegister(def("b", "q2"))
	r.MustRegister(def("a", "q1"))
	r.MustRegister(def("c", "q1"))
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, []string{"q1", "q2"}, r.Queues())
}

func TestMustRegisterPanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { New().MustRegister(task.Definition{Name: "x"}) })
}
