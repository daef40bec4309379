package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		sep  string
		want []string
	}{
		{"exact separator", "a\n###TATARU_SEP###\nb", "\n###TATARU_SEP###\n", []string{"a", "b"}},
		{"reflowed whitespace", "a ###TATARU_SEP### b", "\n###TATARU_SEP###\n", []string{"a", "b"}},
		{"missing separator", "ab", "\n###TATARU_SEP###\n", []string{"ab"}},
		{"dialogue separator", "你好\n||||SEP||||\n世界\n||||SEP||||\n再见", "\n||||SEP||||\n", []string{"你好", "世界", "再见"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.text, tt.sep))
		})
	}
}

func TestJoinSplitRoundTrip(t *testing.T) {
	texts := []string{"Hello", "World", "Again"}
	sep := DefaultEngineConfig().Separator

	assert.Equal(t, texts, Split(Join(texts, sep), sep))
}

func TestSplitProportional(t *testing.T) {
	assert.Equal(t, []string{"你好", "世界"}, SplitProportional("你好世界", 2))
	assert.Equal(t, []string{"ab", "cd", "efg"}, SplitProportional("abcdefg", 3))
	assert.Len(t, SplitProportional("", 3), 3)
	assert.Nil(t, SplitProportional("abc", 0))
}
