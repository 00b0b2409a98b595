package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sseRecord struct {
	event string
	data  string
}

func collectSSE(body string) []sseRecord {
	var out []sseRecord
	parseSSE(strings.NewReader(body), func(event, data string) bool {
		out = append(out, sseRecord{event, data})
		return true
	})
	return out
}

func TestParseSSE(t *testing.T) {
	body := "event: log\ndata: {\"data\":\"line 1\"}\n\n" +
		": keepalive comment\n\n" +
		"event: complete\ndata: {\"exitCode\":0}\n\n"
	got := collectSSE(body)
	assert.Equal(t, []sseRecord{
		{"log", `{"data":"line 1"}`},
		{"complete", `{"exitCode":0}`},
	}, got)
}

func TestParseSSEMultilineData(t *testing.T) {
	body := "event: log\ndata: first\ndata: second\n\n"
	got := collectSSE(body)
	assert.Equal(t, []sseRecord{{"log", "first\nsecond"}}, got)
}

func TestParseSSEStopsWhenHandlerReturnsFalse(t *testing.T) {
	body := "event: complete\ndata: {}\n\nevent: log\ndata: after\n\n"
	var count int
	parseSSE(strings.NewReader(body), func(event, data string) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestParseSSEFlushesUnterminatedEvent(t *testing.T) {
	got := collectSSE("event: log\ndata: tail")
	assert.Equal(t, []sseRecord{{"log", "tail"}}, got)
}
