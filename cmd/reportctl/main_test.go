package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"title=Week 36", "progress_rate=80"})
	require.NoError(t, err)

	assert.Equal(t, report.Fields{
		"title":         "Week 36",
		"progress_rate": "80",
	}, fields)
}

func TestParseFields_ValueMayContainEquals(t *testing.T) {
	fields, err := parseFields([]string{"issues=a=b"})
	require.NoError(t, err)
	assert.Equal(t, "a=b", fields["issues"])
}

func TestParseFields_RejectsBareKey(t *testing.T) {
	_, err := parseFields([]string{"title"})
	assert.Error(t, err)
}
