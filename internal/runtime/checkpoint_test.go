package runtime

import (
	"strings"
	"testing"
	"time"
)

func TestCheckpointTriggerCounter(t *testing.T) {
	clock := newManualClock()
	trigger := newCheckpointTrigger(CheckpointSettings{After: 3}, clock)

	if trigger.Increment() || trigger.Increment() {
		t.Fatal("should not fire before reaching the message count")
	}
	if !trigger.Increment() {
		t.Fatal("should fire on the third message")
	}

	trigger.Reset()
	if trigger.Increment() {
		t.Fatal("reset must clear the counter")
	}
}

func TestCheckpointTriggerWindow(t *testing.T) {
	clock := newManualClock()
	trigger := newCheckpointTrigger(CheckpointSettings{After: 1000, Every: time.Minute}, clock)

	if trigger.Increment() {
		t.Fatal("window has not elapsed")
	}
	clock.Advance(time.Minute)
	if !trigger.Increment() {
		t.Fatal("should fire once the window elapses")
	}

	trigger.Reset()
	if trigger.Increment() {
		t.Fatal("reset must restart the window")
	}
	clock.Advance(2 * time.Minute)
	if !trigger.Increment() {
		t.Fatal("should fire again after the restarted window elapses")
	}
}

func TestCheckpointTriggerCounterWinsOverWindow(t *testing.T) {
	clock := newManualClock()
	trigger := newCheckpointTrigger(CheckpointSettings{After: 2, Every: time.Hour}, clock)

	trigger.Increment()
	if !trigger.Increment() {
		t.Fatal("counter should fire independently of the window")
	}
}

func TestCheckpointSetValidateDetectsConflicts(t *testing.T) {
	set := newCheckpointTriggerSet(CheckpointSettings{After: 100, Every: time.Minute}, newManualClock())

	endpoints := []*Endpoint{
		{Path: "orders", Group: "billing", Checkpoint: CheckpointSettings{After: 10, Every: time.Minute}},
		{Path: "orders", Group: "billing", Checkpoint: CheckpointSettings{After: 50, Every: time.Minute}},
	}

	err := set.Validate(endpoints)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	msg := err.Error()
	for _, want := range []string{"orders", "billing", "after: 10", "after: 50"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should enumerate %q, got: %s", want, msg)
		}
	}
}

func TestCheckpointSetValidateAcceptsConsistentSettings(t *testing.T) {
	set := newCheckpointTriggerSet(CheckpointSettings{After: 100, Every: time.Minute}, newManualClock())

	endpoints := []*Endpoint{
		{Path: "orders", Group: "billing", Checkpoint: CheckpointSettings{After: 10, Every: time.Minute}},
		{Path: "orders", Group: "billing", Checkpoint: CheckpointSettings{After: 10, Every: time.Minute}},
		{Path: "orders", Group: "audit", Checkpoint: CheckpointSettings{After: 50, Every: time.Second}},
	}

	if err := set.Validate(endpoints); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckpointSetZeroSettingsFallBackToDefaults(t *testing.T) {
	set := newCheckpointTriggerSet(CheckpointSettings{After: 7}, newManualClock())

	endpoints := []*Endpoint{
		{Path: "orders", Group: "billing"},
		{Path: "orders", Group: "billing", Checkpoint: CheckpointSettings{After: 7}},
	}

	if err := set.Validate(endpoints); err != nil {
		t.Fatalf("defaulted settings should be consistent: %v", err)
	}
}

func TestCheckpointSetSharesTriggerPerTopicGroup(t *testing.T) {
	set := newCheckpointTriggerSet(CheckpointSettings{After: 5}, newManualClock())

	a := set.TriggerFor("orders", "billing")
	b := set.TriggerFor("orders", "billing")
	c := set.TriggerFor("orders", "audit")

	if a != b {
		t.Fatal("same (topic, group) must share one trigger")
	}
	if a == c {
		t.Fatal("different groups must not share a trigger")
	}
}
