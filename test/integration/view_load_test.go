package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/bpfstage/model"
)

func viewBody(recordIDs ...string) map[string]any {
	return map[string]any{"record_ids": recordIDs}
}

func categoryLabels() map[int]string {
	return map[int]string{0: "Qualify", 1: "Develop", 2: "Propose"}
}

func TestViewLoad_ResolvesFromActivePath(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(2), StageID(1)+","+StageID(2), 1),
		InstanceFixture(RecordID(2), InstanceID(2), StageID(3), StageID(1)+","+StageID(2)+","+StageID(3), model.StatusFinished),
	))
	mp.OnOperation(OpActivePath).RespondWith(http.StatusOK, ValueFixture(DefaultStages()...))
	mp.OnOperation(OpMetadata).RespondWith(http.StatusOK, CategoryMetadataFixture(categoryLabels()))

	resp := h.PUT("/api/v1/views/board", viewBody(RecordID(1), RecordID(2), RecordID(3)), token)
	var snap SnapshotView
	h.AssertJSON(t, resp, http.StatusOK, &snap)

	if snap.ViewID != "board" {
		t.Errorf("view_id = %q, want board", snap.ViewID)
	}
	if snap.Superseded {
		t.Error("snapshot is superseded")
	}
	if len(snap.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(snap.Records))
	}

	t.Run("in progress instance", func(t *testing.T) {
		rec := snap.Record(RecordID(1))
		if rec == nil || rec.State != "resolved" || rec.Instance == nil {
			t.Fatalf("record 1 = %+v, want resolved", rec)
		}
		stages := rec.Instance.Stages
		if len(stages) != 3 {
			t.Fatalf("stages = %d, want 3", len(stages))
		}
		if !stages[0].IsCompleted || stages[0].IsActive {
			t.Errorf("stage 0 = %+v, want completed", stages[0])
		}
		if !stages[1].IsActive || stages[1].IsCompleted {
			t.Errorf("stage 1 = %+v, want active", stages[1])
		}
		if stages[2].IsActive || stages[2].IsCompleted {
			t.Errorf("stage 2 = %+v, want untouched", stages[2])
		}
		for i, want := range []string{"Qualify", "Develop", "Propose"} {
			if stages[i].CategoryLabel != want {
				t.Errorf("stage %d category_label = %q, want %q", i, stages[i].CategoryLabel, want)
			}
			if stages[i].Order != i {
				t.Errorf("stage %d order = %d, want %d", i, stages[i].Order, i)
			}
		}
	})

	t.Run("finished instance", func(t *testing.T) {
		rec := snap.Record(RecordID(2))
		if rec == nil || rec.Instance == nil {
			t.Fatalf("record 2 = %+v, want resolved", rec)
		}
		for i, s := range rec.Instance.Stages {
			if !s.IsCompleted || s.IsActive {
				t.Errorf("stage %d = %+v, want completed and inactive", i, s)
			}
		}
	})

	t.Run("record without instance", func(t *testing.T) {
		rec := snap.Record(RecordID(3))
		if rec == nil || rec.State != "unresolved" || rec.Instance != nil {
			t.Errorf("record 3 = %+v, want unresolved", rec)
		}
	})

	t.Run("platform calls", func(t *testing.T) {
		mp.AssertCalled(t, DefaultEntitySet, 1)
		mp.AssertCalled(t, OpActivePath, 2)
		mp.AssertCalled(t, OpMetadata, 1)
		mp.AssertNotCalled(t, "workflows")
		mp.AssertNotCalled(t, "processstages")

		req := mp.LastRequest(DefaultEntitySet)
		filter := req.QueryParams["$filter"]
		for n := 1; n <= 3; n++ {
			if !strings.Contains(filter, "_opportunityid_value eq "+RecordID(n)) {
				t.Errorf("$filter = %q, missing record %d", filter, n)
			}
		}
		if got := req.QueryParams["$orderby"]; got != "createdon desc" {
			t.Errorf("$orderby = %q, want createdon desc", got)
		}
		if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
			t.Error("platform call was not made with the caller's token")
		}
		if got := req.Headers.Get("OData-Version"); got != "4.0" {
			t.Errorf("OData-Version = %q, want 4.0", got)
		}
	})
}

func TestViewLoad_FallsBackToProcessStages(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(1), StageID(1), 1),
		InstanceFixture(RecordID(2), InstanceID(2), StageID(2), StageID(1)+","+StageID(2), 1),
	))
	mp.OnOperation(OpActivePath).RespondWithError(http.StatusNotFound, "0x80040217", "instance not found")
	mp.OnOperation("workflows").RespondWith(http.StatusOK, ValueFixture(WorkflowFixture(WorkflowID, DefaultEntity)))
	mp.OnOperation("processstages").RespondWith(http.StatusOK, ValueFixture(DefaultStages()...))

	resp := h.PUT("/api/v1/views/board", viewBody(RecordID(1), RecordID(2)), token)
	var snap SnapshotView
	h.AssertJSON(t, resp, http.StatusOK, &snap)

	for n := 1; n <= 2; n++ {
		rec := snap.Record(RecordID(n))
		if rec == nil || rec.State != "resolved" || rec.Instance == nil {
			t.Fatalf("record %d = %+v, want resolved", n, rec)
		}
		if len(rec.Instance.Stages) != 3 {
			t.Errorf("record %d stages = %d, want 3", n, len(rec.Instance.Stages))
		}
	}
	if active := snap.Record(RecordID(2)).Instance.Stages[1]; !active.IsActive {
		t.Errorf("record 2 stage 1 = %+v, want active", active)
	}

	mp.AssertCalled(t, "workflows", 1)
	mp.AssertCalled(t, "processstages", 1)

	wf := mp.LastRequest("workflows").QueryParams["$filter"]
	if !strings.Contains(wf, "category eq 4") || !strings.Contains(wf, "'"+DefaultEntity+"'") {
		t.Errorf("workflows $filter = %q", wf)
	}
	ps := mp.LastRequest("processstages").QueryParams["$filter"]
	if ps != "_processid_value eq "+WorkflowID {
		t.Errorf("processstages $filter = %q", ps)
	}
}

func TestViewLoad_NoProcessDefinitionLeavesRecordsUnresolved(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(1), StageID(1), 1),
	))
	mp.OnOperation(OpActivePath).RespondWith(http.StatusOK, ValueFixture())

	resp := h.PUT("/api/v1/views/board", viewBody(RecordID(1)), token)
	var snap SnapshotView
	h.AssertJSON(t, resp, http.StatusOK, &snap)

	if rec := snap.Record(RecordID(1)); rec == nil || rec.State != "unresolved" {
		t.Errorf("record 1 = %+v, want unresolved", rec)
	}
	mp.AssertCalled(t, "workflows", 1)
	mp.AssertNotCalled(t, "processstages")
}

func TestViewLoad_CachesAcrossViews(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(1), StageID(1), 1),
	))
	mp.OnOperation(OpActivePath).RespondWith(http.StatusOK, ValueFixture(DefaultStages()...))

	h.AssertStatus(t, h.PUT("/api/v1/views/a", viewBody(RecordID(1)), token), http.StatusOK)
	h.AssertStatus(t, h.PUT("/api/v1/views/b", viewBody(RecordID(1)), token), http.StatusOK)

	mp.AssertCalled(t, DefaultEntitySet, 2)
	mp.AssertCalled(t, OpActivePath, 1)
	mp.AssertCalled(t, OpMetadata, 1)

	h.AssertStatus(t, h.POST("/api/v1/cache/clear", nil, token), http.StatusNoContent)
	h.AssertStatus(t, h.PUT("/api/v1/views/c", viewBody(RecordID(1)), token), http.StatusOK)

	mp.AssertCalled(t, OpActivePath, 2)
	mp.AssertCalled(t, OpMetadata, 2)

	t.Run("entity scoped clear keeps category labels", func(t *testing.T) {
		h.AssertStatus(t, h.POST("/api/v1/cache/clear?entity="+DefaultEntity, nil, token), http.StatusNoContent)
		h.AssertStatus(t, h.PUT("/api/v1/views/d", viewBody(RecordID(1)), token), http.StatusOK)
		mp.AssertCalled(t, OpActivePath, 3)
		mp.AssertCalled(t, OpMetadata, 2)
	})
}

func TestViewLoad_ReloadFetchesOnlyNewRecords(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(1), StageID(1), 1),
		InstanceFixture(RecordID(2), InstanceID(2), StageID(2), StageID(1)+","+StageID(2), 1),
	))
	mp.OnOperation(OpActivePath).RespondWith(http.StatusOK, ValueFixture(DefaultStages()...))

	h.AssertStatus(t, h.PUT("/api/v1/views/board", viewBody(RecordID(1)), token), http.StatusOK)

	resp := h.PUT("/api/v1/views/board", viewBody(RecordID(1), RecordID(2)), token)
	var snap SnapshotView
	h.AssertJSON(t, resp, http.StatusOK, &snap)

	mp.AssertCalled(t, DefaultEntitySet, 2)
	filter := mp.LastRequest(DefaultEntitySet).QueryParams["$filter"]
	if strings.Contains(filter, RecordID(1)) {
		t.Errorf("second load re-queried record 1: %q", filter)
	}
	if !strings.Contains(filter, RecordID(2)) {
		t.Errorf("second load did not query record 2: %q", filter)
	}
	for n := 1; n <= 2; n++ {
		if rec := snap.Record(RecordID(n)); rec == nil || rec.State != "resolved" {
			t.Errorf("record %d = %+v, want resolved", n, rec)
		}
	}

	t.Run("refresh refetches everything", func(t *testing.T) {
		resp := h.POST("/api/v1/views/board/refresh", nil, token)
		var refreshed SnapshotView
		h.AssertJSON(t, resp, http.StatusOK, &refreshed)

		if refreshed.Generation <= snap.Generation {
			t.Errorf("generation = %d, want > %d", refreshed.Generation, snap.Generation)
		}
		mp.AssertCalled(t, DefaultEntitySet, 3)
		filter := mp.LastRequest(DefaultEntitySet).QueryParams["$filter"]
		if !strings.Contains(filter, RecordID(1)) || !strings.Contains(filter, RecordID(2)) {
			t.Errorf("refresh $filter = %q, want both records", filter)
		}
	})
}

func TestViewLoad_Lifecycle(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	var loaded SnapshotView
	h.AssertJSON(t, h.PUT("/api/v1/views/board", viewBody(RecordID(1)), token), http.StatusOK, &loaded)

	var fetched SnapshotView
	h.AssertJSON(t, h.GET("/api/v1/views/board", token), http.StatusOK, &fetched)
	if fetched.Generation != loaded.Generation || len(fetched.Records) != 1 {
		t.Errorf("GET snapshot = %+v, want the loaded snapshot", fetched)
	}

	h.AssertStatus(t, h.DELETE("/api/v1/views/board", token), http.StatusNoContent)
	h.AssertStatus(t, h.GET("/api/v1/views/board", token), http.StatusNotFound)
	h.AssertStatus(t, h.DELETE("/api/v1/views/board", token), http.StatusNotFound)
	h.AssertStatus(t, h.POST("/api/v1/views/board/refresh", nil, token), http.StatusNotFound)

	if n := h.Views.Len(); n != 0 {
		t.Errorf("views = %d, want 0", n)
	}
}

func TestViewLoad_RequestDefinitions(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	body := map[string]any{
		"record_ids":  []string{RecordID(1)},
		"definitions": `[{"entityName":"leadtoopportunitysalesprocess","lookupFieldName":"leadid"}]`,
	}
	h.AssertStatus(t, h.PUT("/api/v1/views/board", body, token), http.StatusOK)

	mp.AssertNotCalled(t, DefaultEntitySet)
	req := mp.LastRequest("leadtoopportunitysalesprocesses")
	if req == nil {
		t.Fatal("configured entity set was not queried")
	}
	if !strings.Contains(req.QueryParams["$filter"], "_leadid_value eq "+RecordID(1)) {
		t.Errorf("$filter = %q", req.QueryParams["$filter"])
	}
}

func TestViewLoad_InvalidRecordIDsAreNeverQueried(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	resp := h.PUT("/api/v1/views/board", viewBody(RecordID(1), "not-a-guid"), token)
	var snap SnapshotView
	h.AssertJSON(t, resp, http.StatusOK, &snap)

	if rec := snap.Record("not-a-guid"); rec == nil || rec.State != "unresolved" {
		t.Errorf("invalid record = %+v, want unresolved", rec)
	}
	if filter := mp.LastRequest(DefaultEntitySet).QueryParams["$filter"]; strings.Contains(filter, "not-a-guid") {
		t.Errorf("$filter = %q carries the invalid id", filter)
	}
}

func TestViewLoad_BadRequests(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing record ids", map[string]any{}, http.StatusUnprocessableEntity, model.ErrValidationError},
		{"definitions of the wrong type", map[string]any{"record_ids": []string{}, "definitions": 42}, http.StatusBadRequest, model.ErrBadRequest},
		{"definitions with a bad entity name", map[string]any{
			"record_ids":  []string{},
			"definitions": []map[string]string{{"entityName": "bad name", "lookupFieldName": "leadid"}},
		}, http.StatusUnprocessableEntity, model.ErrValidationError},
		{"body is not an object", []string{"x"}, http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body ErrorBody
			h.AssertJSON(t, h.PUT("/api/v1/views/board", tc.body, token), tc.status, &body)
			if body.Error.Code != tc.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tc.code)
			}
		})
	}

	h.Platform().AssertNotCalled(t, DefaultEntitySet)
}

func TestRecord_Resolve(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(UserClaims())
	mp := h.Platform()

	mp.OnOperation(DefaultEntitySet).RespondWith(http.StatusOK, ValueFixture(
		InstanceFixture(RecordID(1), InstanceID(1), StageID(3), StageID(1)+","+StageID(2)+","+StageID(3), 1),
	))
	mp.OnOperation(OpActivePath).RespondWith(http.StatusOK, ValueFixture(DefaultStages()...))

	t.Run("resolved", func(t *testing.T) {
		var body struct {
			RecordID string        `json:"record_id"`
			Instance *InstanceView `json:"instance"`
		}
		h.AssertJSON(t, h.GET("/api/v1/records/"+RecordID(1)+"?entity="+DefaultEntity, token), http.StatusOK, &body)
		if body.RecordID != RecordID(1) || body.Instance == nil {
			t.Fatalf("body = %+v, want a resolved instance", body)
		}
		if body.Instance.ID != InstanceID(1) || body.Instance.EntityName != DefaultEntity {
			t.Errorf("instance = %+v", body.Instance)
		}
		if n := len(body.Instance.Stages); n != 3 || !body.Instance.Stages[2].IsActive {
			t.Errorf("stages = %+v, want stage 2 active", body.Instance.Stages)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		var body struct {
			Instance *InstanceView `json:"instance"`
		}
		h.AssertJSON(t, h.GET("/api/v1/records/"+RecordID(9)+"?entity="+DefaultEntity, token), http.StatusOK, &body)
		if body.Instance != nil {
			t.Errorf("instance = %+v, want null", body.Instance)
		}
	})

	t.Run("invalid record id", func(t *testing.T) {
		var body ErrorBody
		h.AssertJSON(t, h.GET("/api/v1/records/not-a-guid?entity="+DefaultEntity, token), http.StatusUnprocessableEntity, &body)
		if body.Error.Code != model.ErrValidationError {
			t.Errorf("code = %q", body.Error.Code)
		}
	})

	t.Run("missing entity", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/api/v1/records/"+RecordID(1), token), http.StatusUnprocessableEntity)
	})
}
