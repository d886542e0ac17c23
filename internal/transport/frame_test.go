package transport

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, "/a/b", []byte("payload")))

	topic, payload, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "/a/b", topic)
	assert.Equal(t, []byte("payload"), payload)
}

func TestReadFrameMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, "/t1", []byte("one")))
	require.NoError(t, writeFrame(&buf, "/t2", []byte("two")))

	r := bufio.NewReader(&buf)
	topic1, payload1, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "/t1", topic1)
	assert.Equal(t, []byte("one"), payload1)

	topic2, payload2, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "/t2", topic2)
	assert.Equal(t, []byte("two"), payload2)
}

func TestWriteFrameRejectsOversizedTopic(t *testing.T) {
	var buf bytes.Buffer
	longTopic := strings.Repeat("a", maxTopicLen+1)
	assert.Error(t, writeFrame(&buf, longTopic, nil))
}

func TestReadFrameRejectsTruncatedHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0, 0}))
	_, _, err := readFrame(r)
	assert.Error(t, err)
}
