package idr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestListOpen_Paginates(t *testing.T) {
	var seen []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seen = append(seen, q.Get("index"))
		if q.Get("statuses") != "OPEN,INVESTIGATING,WAITING" {
			t.Errorf("statuses = %q", q.Get("statuses"))
		}
		if q.Get("size") != "2" {
			t.Errorf("size = %q", q.Get("size"))
		}
		if q.Get("sort") != "created_time,ASC" {
			t.Errorf("sort = %q", q.Get("sort"))
		}
		if q.Get("start_time") != "2024-01-01T00:00:00Z" {
			t.Errorf("start_time = %q", q.Get("start_time"))
		}
		idx, _ := strconv.Atoi(q.Get("index"))
		data := []Investigation{
			{RRN: fmt.Sprintf("rrn:inv:%d-a", idx)},
			{RRN: fmt.Sprintf("rrn:inv:%d-b", idx)},
		}
		if idx == 2 {
			data = data[:1]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":     data,
			"metadata": map[string]int{"index": idx, "size": 2, "total_data": 5, "total_pages": 3},
		})
	}))

	got, err := c.ListOpen(context.Background(), ListFilter{
		PageSize:  2,
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d investigations, want 5", len(got))
	}
	if diff := cmp.Diff([]string{"0", "1", "2"}, seen); diff != "" {
		t.Errorf("page indexes (-want +got):\n%s", diff)
	}
}

func TestListOpen_EmptyPageStops(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":[],"metadata":{"total_pages":9}}`))
	}))
	got, err := c.ListOpen(context.Background(), ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || got == nil {
		t.Errorf("got %#v, want empty non-nil slice", got)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1", calls.Load())
	}
}

func TestListFilter_Apply(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	list := []Investigation{
		{RRN: "r1", CreatedTime: day(2), Assignee: &Person{Email: "ada@example.com"}},
		{RRN: "r2", CreatedTime: day(5)},
		{RRN: "r3", CreatedTime: day(1), Assignee: &Person{Email: "Sam@Example.com"}},
		{RRN: "r4", CreatedTime: day(4), Assignee: &Person{Email: "ada@example.com"}},
		{RRN: "r5", CreatedTime: day(3), Assignee: &Person{Email: " "}},
	}

	tests := []struct {
		name string
		f    ListFilter
		want []string
	}{
		{"default newest first", ListFilter{}, []string{"r2", "r4", "r5", "r1", "r3"}},
		{"oldest first", ListFilter{Order: OldestFirst}, []string{"r3", "r1", "r5", "r4", "r2"}},
		{"unassigned", ListFilter{Assignee: AssigneeUnassigned}, []string{"r2", "r5"}},
		{"one email", ListFilter{Assignee: "ada@example.com", Order: OldestFirst}, []string{"r1", "r4"}},
		{"email case-insensitive", ListFilter{Assignee: "sam@example.com"}, []string{"r3"}},
		{"nobody matches", ListFilter{Assignee: "zed@example.com"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, inv := range tt.f.Apply(list) {
				got = append(got, inv.RRN)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Apply (-want +got):\n%s", diff)
			}
		})
	}
	if list[0].RRN != "r1" || list[1].RRN != "r2" {
		t.Error("Apply reordered its input")
	}
}

func TestListFilter_ApplyKeepsTiesInPlace(t *testing.T) {
	same := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	list := []Investigation{{RRN: "a", CreatedTime: same}, {RRN: "b", CreatedTime: same}, {RRN: "c", CreatedTime: same}}
	for _, order := range []Order{NewestFirst, OldestFirst} {
		got := ListFilter{Order: order}.Apply(list)
		if got[0].RRN != "a" || got[1].RRN != "b" || got[2].RRN != "c" {
			t.Errorf("%v: order = %v", order, got)
		}
	}
}

func TestParseOrder(t *testing.T) {
	cases := map[string]Order{"": NewestFirst, "newest": NewestFirst, " OLDEST ": OldestFirst}
	for in, want := range cases {
		if got, err := ParseOrder(in); err != nil || got != want {
			t.Errorf("ParseOrder(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseOrder("sideways"); err == nil {
		t.Error("ParseOrder accepted an unknown order")
	}
}

func TestParseAssigneeFilter(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"All":               "",
		"UNASSIGNED":        AssigneeUnassigned,
		" ada@example.com ": "ada@example.com",
	}
	for in, want := range cases {
		if got, err := ParseAssigneeFilter(in); err != nil || got != want {
			t.Errorf("ParseAssigneeFilter(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseAssigneeFilter("ada"); err == nil {
		t.Error("ParseAssigneeFilter accepted a bare name")
	}
}

func TestListOpen_FiltersAndSorts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"rrn":"rrn:inv:old","created_time":"2026-01-01T00:00:00Z"},
			{"rrn":"rrn:inv:mine","created_time":"2026-01-02T00:00:00Z","assignee":{"email":"ada@example.com"}},
			{"rrn":"rrn:inv:new","created_time":"2026-01-03T00:00:00Z"}
		],"metadata":{"index":0,"size":3,"total_data":3,"total_pages":1}}`))
	}))

	got, err := c.ListOpen(context.Background(), ListFilter{Assignee: AssigneeUnassigned})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 2 || got[0].RRN != "rrn:inv:new" || got[1].RRN != "rrn:inv:old" {
		t.Errorf("unassigned newest first = %+v", got)
	}

	got, err = c.ListOpen(context.Background(), ListFilter{Order: OldestFirst})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 3 || got[0].RRN != "rrn:inv:old" || got[2].RRN != "rrn:inv:new" {
		t.Errorf("oldest first = %+v", got)
	}
}

func TestGet_AcceptsEnvelopeAndBare(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/idr/v2/investigations/wrapped":
			w.Write([]byte(`{"data":{"id":"wrapped","rrn":"rrn:inv:w","title":"W"}}`))
		default:
			w.Write([]byte(`{"id":"bare","rrn":"rrn:inv:b","title":"B","assignee":{"name":"Ada","email":"ada@x.io"}}`))
		}
	}))
	ctx := context.Background()

	w, err := c.Get(ctx, "wrapped")
	if err != nil {
		t.Fatal(err)
	}
	if w.RRN != "rrn:inv:w" {
		t.Errorf("wrapped RRN = %q", w.RRN)
	}
	b, err := c.Get(ctx, "bare")
	if err != nil {
		t.Fatal(err)
	}
	if b.RRN != "rrn:inv:b" || b.AssigneeEmail() != "ada@x.io" {
		t.Errorf("bare = %+v", b)
	}
}

func TestResolveRRN(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":{"id":"123","rrn":"rrn:investigation:us:org:123"}}`))
	}))
	ctx := context.Background()

	rrn, err := c.ResolveRRN(ctx, "rrn:investigation:us:org:999")
	if err != nil || rrn != "rrn:investigation:us:org:999" {
		t.Errorf("ResolveRRN(rrn) = %q, %v", rrn, err)
	}
	if calls.Load() != 0 {
		t.Errorf("RRN input caused %d calls", calls.Load())
	}

	rrn, err = c.ResolveRRN(ctx, "123")
	if err != nil {
		t.Fatal(err)
	}
	if rrn != "rrn:investigation:us:org:123" {
		t.Errorf("ResolveRRN(123) = %q", rrn)
	}

	if _, err := c.ResolveRRN(ctx, "  "); err == nil {
		t.Error("expected error for empty identifier")
	}
}

func TestUpdate_SinglePatch(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/idr/v2/investigations/rrn:inv:1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"rrn":"rrn:inv:1","status":"CLOSED","disposition":"BENIGN","assignee":{"email":"ada@x.io"}}`))
	}))

	inv, err := c.Update(context.Background(), "rrn:inv:1", Fields{
		Status: StatusClosed, Disposition: DispositionBenign, AssigneeEmail: "ada@x.io",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"status":      "CLOSED",
		"disposition": "BENIGN",
		"assignee":    map[string]any{"email": "ada@x.io"},
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("patch body (-want +got):\n%s", diff)
	}
	if inv.Status != StatusClosed || inv.AssigneeEmail() != "ada@x.io" {
		t.Errorf("returned %+v", inv)
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1", calls.Load())
	}
}

func TestUpdate_OmitsUnsetFields(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	if _, err := c.Update(context.Background(), "x", Fields{Status: StatusWaiting}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"status": "WAITING"}, body); diff != "" {
		t.Errorf("patch body (-want +got):\n%s", diff)
	}
	if _, err := c.Update(context.Background(), "x", Fields{}); err == nil {
		t.Error("expected error for empty fields")
	}
}

func TestComments(t *testing.T) {
	var posted commentBody
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("target") != "rrn:inv:1" {
				t.Errorf("target = %q", r.URL.Query().Get("target"))
			}
			w.Write([]byte(`{"data":[
				{"body":"second","created_time":"2026-02-02T00:00:00Z","creator":{"name":"Bob"}},
				{"body":"first","created_time":"2026-01-01T00:00:00Z"}
			]}`))
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&posted)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"rrn":"rrn:comment:1","target":"rrn:inv:1","body":"hello"}`))
		}
	}))
	ctx := context.Background()

	list, err := c.ListComments(ctx, "rrn:inv:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Body != "first" || list[1].Body != "second" {
		t.Errorf("comments not ordered oldest first: %+v", list)
	}
	if list[0].Author() != "Unknown" || list[1].Author() != "Bob" {
		t.Errorf("authors = %q, %q", list[0].Author(), list[1].Author())
	}

	cm, err := c.PostComment(ctx, "rrn:inv:1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if posted != (commentBody{Target: "rrn:inv:1", Body: "hello"}) {
		t.Errorf("posted %+v", posted)
	}
	if cm.RRN != "rrn:comment:1" {
		t.Errorf("created RRN = %q", cm.RRN)
	}

	if _, err := c.PostComment(ctx, "rrn:inv:1", " "); err == nil {
		t.Error("expected error for blank body")
	}
}

func TestConsoleLink(t *testing.T) {
	if got := ConsoleLink("eu", "org-1", "rrn:inv:1"); got != "https://eu.idr.insight.rapid7.com/op/org-1#/investigations/rrn:inv:1" {
		t.Errorf("ConsoleLink = %q", got)
	}
	if got := ConsoleLink("eu", "", "rrn:inv:1"); got != "" {
		t.Errorf("ConsoleLink without org = %q, want empty", got)
	}
}
