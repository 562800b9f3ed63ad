// Package directory feeds discoverability changes to the contact-discovery
// worker through a Redis job list. Jobs are idempotent on the consumer side;
// the coordinator may enqueue the same delete twice during a number change.
package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/relaymsg/accountd/internal/account"
)

const jobList = "directory::jobs"

type job struct {
	Action         string `json:"action"`
	ACI            string `json:"aci"`
	Number         string `json:"number,omitempty"`
	PreviousNumber string `json:"previousNumber,omitempty"`
	Discoverable   bool   `json:"discoverable,omitempty"`
}

// Queue is the directory-queue producer.
type Queue struct {
	rdb redis.UniversalClient
}

// NewQueue creates the producer.
func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// DeleteAccount asks the directory to forget the account.
func (q *Queue) DeleteAccount(ctx context.Context, a *account.Account) error {
	return q.push(ctx, job{
		Action: "delete",
		ACI:    a.ACI.String(),
		Number: a.Number,
	})
}

// RefreshAccount asks the directory to re-evaluate the account's visibility.
func (q *Queue) RefreshAccount(ctx context.Context, a *account.Account) error {
	return q.push(ctx, job{
		Action:       "refresh",
		ACI:          a.ACI.String(),
		Number:       a.Number,
		Discoverable: a.ShouldBeVisibleInDirectory(),
	})
}

// ChangePhoneNumber tells the directory the account moved between numbers.
func (q *Queue) ChangePhoneNumber(ctx context.Context, a *account.Account, oldNumber, newNumber string) error {
	return q.push(ctx, job{
		Action:         "changeNumber",
		ACI:            a.ACI.String(),
		Number:         newNumber,
		PreviousNumber: oldNumber,
	})
}

func (q *Queue) push(ctx context.Context, j job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("serialize directory job: %w", err)
	}
	if err := q.rdb.LPush(ctx, jobList, data).Err(); err != nil {
		return fmt.Errorf("enqueue directory %s job: %w", j.Action, err)
	}
	return nil
}
