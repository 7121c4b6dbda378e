package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		subject string
		want    Tag
	}{
		{"fix a bug", Tag{Kind: KindNone}},
		{"UPSTREAM: <carry>: keep this patch", Tag{Kind: KindCarry, Value: "carry"}},
		{"UPSTREAM: <drop>: vendoring artifact", Tag{Kind: KindDrop, Value: "drop"}},
		{"UPSTREAM: <12345>: wait for merge", Tag{Kind: KindOther, Value: "12345"}},
		{"UPSTREAM:<carry>:no space after colon", Tag{Kind: KindCarry, Value: "carry"}},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.subject), "subject: %s", c.subject)
	}
}
