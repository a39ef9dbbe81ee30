// ABOUTME: Tests for receipt aggregation
// ABOUTME: Verifies per-user counting, OR semantics for activity, and order independence

package fanout

import (
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sortReceipts(rs []MessageReceipt) []MessageReceipt {
	sort.Slice(rs, func(i, j int) bool { return rs[i].UserID < rs[j].UserID })
	return rs
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []DeliveryOutcome
		want     []MessageReceipt
	}{
		{
			name:     "no outcomes",
			outcomes: nil,
			want:     []MessageReceipt{},
		},
		{
			name: "one receipt per distinct user",
			outcomes: []DeliveryOutcome{
				{UserID: "alice", Delivered: true, Active: true},
				{UserID: "bob", Delivered: true, Active: false},
				{UserID: "carol", Delivered: true, Active: true},
			},
			want: []MessageReceipt{
				{UserID: "alice", DeliveryCount: 1, Active: true},
				{UserID: "bob", DeliveryCount: 1, Active: false},
				{UserID: "carol", DeliveryCount: 1, Active: true},
			},
		},
		{
			name: "counts every reachable connection",
			outcomes: []DeliveryOutcome{
				{UserID: "alice", Delivered: true},
				{UserID: "alice", Delivered: true},
				{UserID: "alice", Delivered: true},
			},
			want: []MessageReceipt{
				{UserID: "alice", DeliveryCount: 3, Active: false},
			},
		},
		{
			name: "any active connection makes the user active",
			outcomes: []DeliveryOutcome{
				{UserID: "alice", Delivered: true, Active: false},
				{UserID: "alice", Delivered: true, Active: true},
				{UserID: "alice", Delivered: true, Active: false},
			},
			want: []MessageReceipt{
				{UserID: "alice", DeliveryCount: 3, Active: true},
			},
		},
		{
			name: "undelivered outcomes produce nothing",
			outcomes: []DeliveryOutcome{
				{UserID: "alice", Delivered: false, Active: true},
				{UserID: "bob", Delivered: true, Active: false},
				{UserID: "bob", Delivered: false, Active: true},
			},
			want: []MessageReceipt{
				{UserID: "bob", DeliveryCount: 1, Active: false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sortReceipts(Aggregate(tt.outcomes))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	outcomes := []DeliveryOutcome{
		{UserID: "alice", Delivered: true, Active: false},
		{UserID: "bob", Delivered: true, Active: true},
		{UserID: "alice", Delivered: true, Active: true},
		{UserID: "bob", Delivered: true, Active: false},
		{UserID: "carol", Delivered: true, Active: false},
	}
	want := sortReceipts(Aggregate(outcomes))

	reversed := slices.Clone(outcomes)
	slices.Reverse(reversed)
	assert.Equal(t, want, sortReceipts(Aggregate(reversed)))

	rotated := append(slices.Clone(outcomes[2:]), outcomes[:2]...)
	assert.Equal(t, want, sortReceipts(Aggregate(rotated)))
}

func TestInactiveUsers(t *testing.T) {
	receipts := []MessageReceipt{
		{UserID: "alice", DeliveryCount: 2, Active: true},
		{UserID: "bob", DeliveryCount: 1, Active: false},
		{UserID: "carol", DeliveryCount: 1, Active: false},
	}
	got := InactiveUsers(receipts)
	sort.Strings(got)
	assert.Equal(t, []string{"bob", "carol"}, got)
	assert.Empty(t, InactiveUsers(nil))
}
