package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	yaml "go.yaml.in/yaml/v3"

	"github.com/hyperjiang/timewheel/v2/task"
)

func TestEveryDuration(t *testing.T) {
	cases := []struct {
		name  string
		every task.Every
		want  time.Duration
	}{
		{"ms", task.Every{Ms: 250}, 250 * time.Millisecond},
		{"fractional seconds", task.Every{S: 0.5}, 500 * time.Millisecond},
		{"minutes", task.Every{M: 2}, 2 * time.Minute},
		{"hours", task.Every{H: 1}, time.Hour},
		{"days", task.Every{D: 1}, 24 * time.Hour},
		{"weeks", task.Every{W: 1}, 7 * 24 * time.Hour},
		{"months", task.Every{Mo: 1}, 30 * 24 * time.Hour},
		{"years", task.Every{Yr: 1}, 365 * 24 * time.Hour},
		{"smallest unit wins", task.Every{S: 3, H: 5}, 3 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.every.Duration()
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestEveryErrors(t *testing.T) {
	should := require.New(t)

	_, err := task.Every{}.Duration()
	should.ErrorIs(err, task.ErrNoUnit)

	_, err = task.Every{M: -1}.Duration()
	should.ErrorIs(err, task.ErrInvalidInterval)
}

func TestEveryFromYAML(t *testing.T) {
	should := require.New(t)

	var doc struct {
		Every task.Every `yaml:"every"`
	}
	should.NoError(yaml.Unmarshal([]byte("every: {s: 30}\n"), &doc))

	d, err := doc.Every.Duration()
	should.NoError(err)
	should.Equal(30*time.Second, d)
}
