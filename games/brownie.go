// Package games holds the built-in sample services: small activities that
// exercise the full prompt/respond loop end to end.
package games

import (
	"errors"
	"fmt"

	"parlor/internal/table"
	"parlor/runner"
)

// Brownie is the smallest possible service: one seat, and whoever sits in
// it wins a brownie the moment the instance starts.
func Brownie() *table.Service {
	return table.NewService("brownie", table.Fixed(1), func(t *table.Table) runner.Game {
		return &brownie{t: t}
	})
}

type brownie struct {
	t *table.Table
}

func (b *brownie) Auto() (*runner.Result, error) {
	members := b.t.Members()
	if len(members) == 0 {
		return nil, errors.New("brownie: nobody seated")
	}
	winners := make([]string, 0, len(members))
	for _, m := range members {
		winners = append(winners, m.Name())
	}
	for _, m := range b.t.Everyone() {
		_ = m.Log().Send(fmt.Sprintf("The brownie goes to %s.", winners[0]))
	}
	return &runner.Result{Winners: winners}, nil
}
