package idgen

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	txPattern   = regexp.MustCompile(`^TX[0-9]{9}$`)
	codePattern = regexp.MustCompile(`^[0-9]{6}$`)
)

func TestRandom_Formats(t *testing.T) {
	g := NewRandom("")
	for i := 0; i < 200; i++ {
		id, err := g.NextTransactionID()
		require.NoError(t, err)
		assert.Regexp(t, txPattern, id)

		code, err := g.NextAuthorizationCode()
		require.NoError(t, err)
		assert.Regexp(t, codePattern, code)
	}
}

func TestRandom_CustomPrefix(t *testing.T) {
	id, err := NewRandom("CC").NextTransactionID()
	require.NoError(t, err)
	assert.Regexp(t, `^CC[0-9]{9}$`, id)
}

func TestSequence_UniqueUnderConcurrency(t *testing.T) {
	g := NewSequence("", 0)

	const n = 1000
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.NextTransactionID()
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestSequence_StartAndExhaustion(t *testing.T) {
	g := NewSequence("TX", 41)
	id, err := g.NextTransactionID()
	require.NoError(t, err)
	assert.Equal(t, "TX000000042", id)

	g = NewSequence("TX", idSpace-2)
	id, err = g.NextTransactionID()
	require.NoError(t, err)
	assert.Equal(t, "TX999999999", id)
	_, err = g.NextTransactionID()
	assert.Error(t, err)
}
