package cmdqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

func cmd(id message.TransactionID, verb string) *transaction.Message {
	return &transaction.Message{ID: id, Verb: verb, Endpoint: "aaln/1", Sub: 0}
}

func TestFIFO_HeadSentImmediately(t *testing.T) {
	f := New()
	assert.True(t, f.Enqueue(cmd(1, message.VerbCRCX)))
	assert.False(t, f.Enqueue(cmd(2, message.VerbMDCX)))
	assert.False(t, f.Enqueue(cmd(3, message.VerbMDCX)))
	assert.Equal(t, []string{"CRCX", "MDCX", "MDCX"}, f.Verbs())
}

func TestFIFO_RetireAdvancesInOrder(t *testing.T) {
	f := New()
	f.Enqueue(cmd(1, message.VerbCRCX))
	f.Enqueue(cmd(2, message.VerbMDCX))
	f.Enqueue(cmd(3, message.VerbMDCX))

	next, found := f.Retire(1)
	require.True(t, found)
	require.NotNil(t, next)
	assert.Equal(t, message.TransactionID(2), next.ID)

	next, found = f.Retire(2)
	require.True(t, found)
	assert.Equal(t, message.TransactionID(3), next.ID)

	next, found = f.Retire(3)
	assert.True(t, found)
	assert.Nil(t, next)
	assert.Equal(t, 0, f.Len())

	_, found = f.Retire(3)
	assert.False(t, found)
}

func TestFIFO_PurgeKeepsInFlight(t *testing.T) {
	f := New()
	f.Enqueue(cmd(1, message.VerbMDCX))
	f.Enqueue(cmd(2, message.VerbMDCX))
	f.Enqueue(cmd(3, message.VerbRQNT))

	purged := f.PurgePending(func(m *transaction.Message) bool {
		return IsConnectionVerb(m.Verb)
	})
	require.Len(t, purged, 1)
	assert.Equal(t, message.TransactionID(2), purged[0].ID)
	assert.Equal(t, []string{"MDCX", "RQNT"}, f.Verbs())

	assert.False(t, f.Enqueue(cmd(4, message.VerbDLCX)))
	assert.Equal(t, message.TransactionID(1), f.Head().ID)
}

func TestFIFO_Drain(t *testing.T) {
	f := New()
	f.Enqueue(cmd(1, message.VerbCRCX))
	f.Enqueue(cmd(2, message.VerbDLCX))

	drained := f.Drain()
	assert.Len(t, drained, 2)
	assert.Nil(t, f.Head())
	assert.True(t, f.Enqueue(cmd(3, message.VerbCRCX)))
}
