package model

import (
	"testing"
	"time"
)

func TestSyncMarkerPending(t *testing.T) {
	cases := []struct {
		marker SyncMarker
		want   bool
	}{
		{MarkerSynced, false},
		{MarkerPendingUpdate, true},
		{MarkerPendingUpload, true},
	}
	for _, tc := range cases {
		if got := tc.marker.Pending(); got != tc.want {
			t.Errorf("%s.Pending() = %v, want %v", tc.marker, got, tc.want)
		}
	}
}

func TestTaskValidate(t *testing.T) {
	valid := LocalTask{
		ID:          "t-1",
		WorkOrderID: "wo-1",
		Status:      TaskDone,
		UpdatedAt:   time.Now(),
		SyncMarker:  MarkerSynced,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*LocalTask)
	}{
		{"missing id", func(t *LocalTask) { t.ID = "" }},
		{"missing work order", func(t *LocalTask) { t.WorkOrderID = "" }},
		{"bad status", func(t *LocalTask) { t.Status = "finished" }},
		{"bad marker", func(t *LocalTask) { t.SyncMarker = "dirty" }},
		{"negative quantity", func(t *LocalTask) { t.QuantityUsed = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := valid
			tc.mutate(&task)
			if err := task.Validate(); err == nil {
				t.Error("invalid task accepted")
			}
		})
	}
}

func TestWorkOrderValidate(t *testing.T) {
	wo := WorkOrder{ID: "wo-1", ScheduledDate: "2026-08-29"}
	if err := wo.Validate(); err != nil {
		t.Errorf("valid work order rejected: %v", err)
	}

	wo.ScheduledDate = "29/08/2026"
	if err := wo.Validate(); err == nil {
		t.Error("malformed scheduled date accepted")
	}

	wo = WorkOrder{}
	if err := wo.Validate(); err == nil {
		t.Error("work order without id accepted")
	}
}

func TestMutationApplyTo(t *testing.T) {
	task := LocalTask{
		ID:           "t-1",
		Status:       TaskNotStarted,
		QuantityUsed: 1,
		Notes:        "original",
	}

	done := TaskDone
	qty := 2.5
	mut := TaskMutation{Status: &done, QuantityUsed: &qty}
	mut.ApplyTo(&task)

	if task.Status != TaskDone || task.QuantityUsed != 2.5 {
		t.Errorf("task = %+v, want mutation applied", task)
	}
	if task.Notes != "original" {
		t.Errorf("notes = %q, want untouched field preserved", task.Notes)
	}
}

func TestMutationMerge(t *testing.T) {
	done := TaskDone
	skipped := TaskSkipped
	notes := "later notes"

	older := TaskMutation{Status: &done}
	newer := TaskMutation{Status: &skipped, Notes: &notes}
	older.Merge(&newer)

	if older.Status == nil || *older.Status != TaskSkipped {
		t.Errorf("status = %v, want newer value to win", older.Status)
	}
	if older.Notes == nil || *older.Notes != "later notes" {
		t.Errorf("notes = %v, want newer field carried over", older.Notes)
	}
	if older.QuantityUsed != nil {
		t.Errorf("quantity = %v, want untouched field to stay nil", older.QuantityUsed)
	}
}

func TestMutationValidate(t *testing.T) {
	var empty TaskMutation
	if err := empty.Validate(); err == nil {
		t.Error("empty mutation accepted")
	}

	bad := "finished"
	if err := (&TaskMutation{Status: &bad}).Validate(); err == nil {
		t.Error("invalid status accepted")
	}

	negative := -0.5
	if err := (&TaskMutation{QuantityUsed: &negative}).Validate(); err == nil {
		t.Error("negative quantity accepted")
	}
}

func TestUpdatePayloadRoundTrip(t *testing.T) {
	done := TaskDone
	payload, err := EncodeUpdatePayload("t-1", &TaskMutation{Status: &done})
	if err != nil {
		t.Fatalf("EncodeUpdatePayload failed: %v", err)
	}

	decoded, err := DecodeUpdatePayload(payload)
	if err != nil {
		t.Fatalf("DecodeUpdatePayload failed: %v", err)
	}
	if decoded.ID != "t-1" {
		t.Errorf("id = %s, want t-1", decoded.ID)
	}
	if decoded.Status == nil || *decoded.Status != TaskDone {
		t.Errorf("status = %v, want done", decoded.Status)
	}
	if decoded.Notes != nil {
		t.Errorf("notes = %v, want absent field decoded as nil", decoded.Notes)
	}
}
