package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "ManuscriptTitle": "On Sparse Things",
  "JournalName": "Journal of Tests",
  "JournalAcronym": "JOT",
  "PubdNumber": "JOT-D-24-001",
  "LastUpdated": 1700000000,
  "ReviewEvents": [
    {"Id": 12, "Event": "REVIEWER_INVITED", "Date": 1000},
    {"Id": "12", "Event": "REVIEWER_ACCEPTED", "Date": 87400},
    {"Id": 13, "Event": "REVIEWER_INVITED", "Date": 2000}
  ],
  "Extra": {"ignored": true}
}`

func TestDecodeQualifyingPayload(t *testing.T) {
	p, err := Decode([]byte(samplePayload))
	require.NoError(t, err)
	assert.Equal(t, "On Sparse Things", p.ManuscriptTitle)
	assert.Equal(t, int64(1700000000), p.LastUpdated)

	events := p.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "12", events[0].ReviewerID)
	assert.Equal(t, "12", events[1].ReviewerID)

	states := p.Reviewers()
	require.Len(t, states, 2)
	assert.Equal(t, StatusInReview, states[0].Status)
	assert.Equal(t, "1.00", states[0].ResponseTime.String())
}

func TestDecodeEmptyEventListQualifies(t *testing.T) {
	p, err := Decode([]byte(`{"ManuscriptTitle":"T","ReviewEvents":[]}`))
	require.NoError(t, err)
	assert.Empty(t, p.Reviewers())
}

func TestDecodeSchemaMismatch(t *testing.T) {
	cases := []string{
		`{"ManuscriptTitle":"T"}`,
		`{"ManuscriptTitle":"T","ReviewEvents":null}`,
		`{"ReviewEvents":[]}`,
		`{}`,
	}
	for _, body := range cases {
		_, err := Decode([]byte(body))
		assert.ErrorIs(t, err, ErrSchemaMismatch, body)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"ManuscriptTitle":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeKeepsEventListPresence(t *testing.T) {
	p, err := Decode([]byte(`{"ManuscriptTitle":"T","ReviewEvents":[]}`))
	require.NoError(t, err)
	b, err := Encode(p)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, back.ReviewEvents.Present)
}
