// Package seed performs the one-shot, idempotent population of the primary
// queue from the declared registro ID blocks.
package seed

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

// Blocks are the half-open [lo, hi) registro ranges of the primary queue,
// in declared order: the later blocks cover the older records, which are
// intentionally visited last. Several blocks overlap ranges seeded by an
// earlier single-worker deployment; seeding is insert-if-absent, so the
// overlaps are harmless and must not be de-duplicated.
var Blocks = [][2]int{
	{292564, 350000},
	{350000, 400000},
	{400000, 450000},
	{450000, 500000},
	{500000, 550000},
	{550000, 600000},
	{600000, 650000},
	{650000, 700000},
	{700000, 750000},
	{750000, 800000},
	{800000, 850000},
	{850000, 900000},
	{900000, 950000},
	{950000, 1000000},
	{1000000, 1050000},
	{1050000, 1100000},
	{1100000, 1150000},
	{1150000, 1200000},
	{1200000, 1250000},
	{1250000, 1300000},
	{1300000, 1350000},
	{1350000, 1400000},
	{1400000, 1450000},
	{1450000, 1500000},
	{1500000, 1550000},
	{1550000, 1600000},
	{161000, 206000},
	{207000, 2023000},
	{2028000, 2031780},
}

// Seeder is the subset of the store which seeding requires.
type Seeder interface {
	SeedMarkerExists(ctx context.Context) (bool, error)
	SeedPrimary(ctx context.Context, blocks [][2]int) error
	WriteSeedMarker(ctx context.Context) error
}

var _ Seeder = (*store.Store)(nil)

// Run seeds the primary queue unless |enabled| is false or the meta marker
// shows a previous run already did. It writes the marker after seeding.
func Run(ctx context.Context, s Seeder, enabled bool) error {
	if !enabled {
		log.Debug("primary queue seeding is disabled")
		return nil
	}
	if done, err := s.SeedMarkerExists(ctx); err != nil {
		return err
	} else if done {
		log.Info("primary queue already seeded")
		return nil
	}

	log.WithField("blocks", len(Blocks)).Info("seeding primary queue")
	if err := s.SeedPrimary(ctx, Blocks); err != nil {
		return err
	}
	if err := s.WriteSeedMarker(ctx); err != nil {
		return err
	}
	log.Info("primary queue seeded")
	return nil
}
