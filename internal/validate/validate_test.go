package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchAcceptsValidInput(t *testing.T) {
	raw := []byte(`[{"site": "piaotian", "book_id": "1234"}]`)
	require.NoError(t, Batch(raw))
}

func TestBatchRejectsMissingBookID(t *testing.T) {
	raw := []byte(`[{"site": "piaotian"}]`)
	require.Error(t, Batch(raw))
}

func TestBatchRejectsMalformedJSON(t *testing.T) {
	require.Error(t, Batch([]byte(`not json`)))
}

func TestBatchRejectsUnknownField(t *testing.T) {
	raw := []byte(`[{"site": "piaotian", "book_id": "1", "bogus": 1}]`)
	require.Error(t, Batch(raw))
}
