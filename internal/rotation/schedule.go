// Package rotation decides when credentials are due for rotation and runs
// due rotations on an interval.
package rotation

import (
	"sort"
	"time"

	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/pkg/schema"
	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions and descriptors such as
// @daily or @every 720h.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a rotation_schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid rotation schedule %q", expr).WithCause(err)
	}
	return sched, nil
}

// Item is the rotation status of one scheduled credential.
type Item struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Last     time.Time `json:"last,omitzero"`
	Next     time.Time `json:"next"`
	Due      bool      `json:"due"`
	Error    string    `json:"error,omitempty"`
}

// Plan computes the next rotation for every credential with a schedule.
// The base is rotated_at, else created_at; a credential with neither is due
// now. Items are sorted by next rotation time.
func Plan(vf *metadata.VaultFile, now time.Time) []Item {
	var items []Item
	for _, c := range vf.Credentials {
		if c.RotationSchedule == "" {
			continue
		}
		item := Item{Name: c.Name, Schedule: c.RotationSchedule}

		sched, err := ParseSchedule(c.RotationSchedule)
		if err != nil {
			item.Error = err.Error()
			items = append(items, item)
			continue
		}

		switch {
		case c.RotatedAt != nil:
			item.Last = *c.RotatedAt
		case c.CreatedAt != nil:
			item.Last = *c.CreatedAt
		}

		if item.Last.IsZero() {
			item.Next = now
		} else {
			item.Next = sched.Next(item.Last)
		}
		item.Due = !item.Next.After(now)
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Next.Before(items[j].Next)
	})
	return items
}

// Due filters Plan output to credentials whose rotation is due.
func Due(vf *metadata.VaultFile, now time.Time) []Item {
	var due []Item
	for _, it := range Plan(vf, now) {
		if it.Due {
			due = append(due, it)
		}
	}
	return due
}
