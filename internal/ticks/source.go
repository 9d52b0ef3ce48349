// Package ticks provides the tick sources that feed strategy runs: bounded
// historical slices for backtests, broker pricing channels for live
// trading, and a seeded synthetic walk for demo accounts.
package ticks

import (
	"context"
	"sort"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Source yields ticks in non-decreasing time order. ok is false when the
// source is exhausted; live sources never exhaust and block on Next until
// a tick arrives or the context is cancelled.
type Source interface {
	Next(ctx context.Context) (types.Tick, bool, error)
}

// SliceSource replays a finite, pre-sorted tick series. Used by backtests.
type SliceSource struct {
	ticks []types.Tick
	pos   int
}

// NewSliceSource copies and time-sorts the given ticks.
func NewSliceSource(in []types.Tick) *SliceSource {
	ticks := append([]types.Tick(nil), in...)
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Time.Before(ticks[j].Time)
	})
	return &SliceSource{ticks: ticks}
}

// Len returns the total tick count, used for progress reporting.
func (s *SliceSource) Len() int { return len(s.ticks) }

func (s *SliceSource) Next(ctx context.Context) (types.Tick, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Tick{}, false, err
	}
	if s.pos >= len(s.ticks) {
		return types.Tick{}, false, nil
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, true, nil
}

// ChannelSource adapts a live tick channel, typically the broker pricing
// stream, to the Source contract.
type ChannelSource struct {
	ch <-chan types.Tick
}

func NewChannelSource(ch <-chan types.Tick) *ChannelSource {
	return &ChannelSource{ch: ch}
}

func (s *ChannelSource) Next(ctx context.Context) (types.Tick, bool, error) {
	select {
	case <-ctx.Done():
		return types.Tick{}, false, ctx.Err()
	case t, open := <-s.ch:
		if !open {
			return types.Tick{}, false, nil
		}
		return t, true, nil
	}
}
