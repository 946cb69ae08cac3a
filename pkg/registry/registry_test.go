package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(id string, groups ...string) Subscription {
	return Subscription{
		ClientID: id,
		Groups:   groups,
		RxPath:   "/tmp/clients/" + id + ".rx",
		TxPath:   "/tmp/clients/" + id + ".tx",
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	assert.False(t, r.Register(sub("A", "topicA")))
	assert.False(t, r.Register(sub("B", "topicB", "topicA")))

	assert.Equal(t, []string{"A", "B"}, r.SubscribersOf("topicA"))
	assert.Equal(t, []string{"B"}, r.SubscribersOf("topicB"))
	assert.Empty(t, r.SubscribersOf("topicC"))

	groups, ok := r.GroupsOf("B")
	require.True(t, ok)
	assert.Equal(t, []string{"topicA", "topicB"}, groups)

	assert.Equal(t, []string{"A", "B"}, r.Clients())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.GroupCount())

	got, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, "/tmp/clients/A.rx", got.RxPath)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegisterPublishOnlyClient(t *testing.T) {
	r := New()
	r.Register(sub("P"))

	groups, ok := r.GroupsOf("P")
	require.True(t, ok)
	assert.Empty(t, groups)
	assert.Equal(t, []string{"P"}, r.Clients())
	assert.Zero(t, r.GroupCount())
}

func TestRegisterDeduplicatesGroups(t *testing.T) {
	r := New()
	r.Register(sub("A", "x", "y", "x"))

	groups, _ := r.GroupsOf("A")
	assert.Equal(t, []string{"x", "y"}, groups)
	assert.Equal(t, []string{"A"}, r.SubscribersOf("x"))
}

func TestRegisterReplacesGroupSet(t *testing.T) {
	r := New()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := sub("A", "old", "shared")
	first.CreatedAt = created
	r.Register(first)

	assert.True(t, r.Register(sub("A", "new", "shared")))

	assert.Empty(t, r.SubscribersOf("old"))
	assert.Equal(t, []string{"A"}, r.SubscribersOf("new"))
	assert.Equal(t, []string{"A"}, r.SubscribersOf("shared"))

	got, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, []string{"new", "shared"}, got.Groups)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, 1, r.Len())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register(sub("A", "topicA"))
	r.Register(sub("B", "topicA"))

	removed, ok := r.Deregister("A")
	require.True(t, ok)
	assert.Equal(t, "A", removed.ClientID)

	_, ok = r.Deregister("A")
	assert.False(t, ok)

	_, ok = r.Deregister("never-registered")
	assert.False(t, ok)

	assert.Equal(t, []string{"B"}, r.SubscribersOf("topicA"))
	assert.Equal(t, []string{"B"}, r.Clients())
	_, ok = r.GroupsOf("A")
	assert.False(t, ok)
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	r := New()
	r.Register(sub("A", "a", "b"))

	groups, _ := r.GroupsOf("A")
	groups[0] = "mutated"

	got, _ := r.Get("A")
	got.Groups[1] = "mutated"

	fresh, _ := r.GroupsOf("A")
	assert.Equal(t, []string{"a", "b"}, fresh)
}

func TestConcurrentResubscribeNeverMixesGroupSets(t *testing.T) {
	r := New()
	setA := []string{"a1", "a2", "a3"}
	setB := []string{"b1", "b2", "b3"}
	r.Register(sub("X", setA...))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				r.Register(sub("X", setB...))
			} else {
				r.Register(sub("X", setA...))
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		groups, ok := r.GroupsOf("X")
		require.True(t, ok)
		if fmt.Sprint(groups) != fmt.Sprint(setA) && fmt.Sprint(groups) != fmt.Sprint(setB) {
			t.Fatalf("observed mixed group set %v", groups)
		}
	}
}
