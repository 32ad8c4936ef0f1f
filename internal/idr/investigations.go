package idr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	investigationsPath = "/idr/v2/investigations"
	defaultPageSize    = 100
	maxPages           = 1000
)

// Investigation states accepted by the v2 API.
const (
	StatusOpen          = "OPEN"
	StatusInvestigating = "INVESTIGATING"
	StatusWaiting       = "WAITING"
	StatusClosed        = "CLOSED"
)

// Dispositions accepted by the v2 API.
const (
	DispositionBenign        = "BENIGN"
	DispositionMalicious     = "MALICIOUS"
	DispositionNotApplicable = "NOT_APPLICABLE"
)

var (
	// OpenStatuses are the states listed by ListOpen when no filter is given.
	OpenStatuses = []string{StatusOpen, StatusInvestigating, StatusWaiting}
	Statuses     = []string{StatusOpen, StatusInvestigating, StatusWaiting, StatusClosed}
	Dispositions = []string{DispositionBenign, DispositionMalicious, DispositionNotApplicable}
)

// ValidStatus reports whether s is a known investigation status.
func ValidStatus(s string) bool { return slices.Contains(Statuses, s) }

// ValidDisposition reports whether d is a known disposition.
func ValidDisposition(d string) bool { return slices.Contains(Dispositions, d) }

// Person is an assignee or comment author as the API reports it.
type Person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Investigation is a remote investigation record.
type Investigation struct {
	ID           string    `json:"id,omitempty"`
	RRN          string    `json:"rrn"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Disposition  string    `json:"disposition,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	Source       string    `json:"source,omitempty"`
	Assignee     *Person   `json:"assignee,omitempty"`
	CreatedTime  time.Time `json:"created_time"`
	LastModified time.Time `json:"last_accessed,omitempty"`
}

// Key returns the identifier used for v2 calls, preferring the RRN.
func (inv Investigation) Key() string {
	if inv.RRN != "" {
		return inv.RRN
	}
	return inv.ID
}

// AssigneeEmail returns the assignee's email or "".
func (inv Investigation) AssigneeEmail() string {
	if inv.Assignee == nil {
		return ""
	}
	return inv.Assignee.Email
}

// AssigneeUnassigned as a ListFilter assignee selects investigations that
// nobody owns.
const AssigneeUnassigned = "unassigned"

// Order is the creation-time order of a listing.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

func (o Order) String() string {
	if o == OldestFirst {
		return "oldest"
	}
	return "newest"
}

// ParseOrder accepts "newest" (the default when empty) or "oldest".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest":
		return NewestFirst, nil
	case "oldest":
		return OldestFirst, nil
	default:
		return NewestFirst, fmt.Errorf("unknown sort order %q (valid: newest, oldest)", s)
	}
}

// ParseAssigneeFilter accepts "all" or "" (no filtering), "unassigned", or
// an email address.
func ParseAssigneeFilter(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "all"):
		return "", nil
	case strings.EqualFold(s, AssigneeUnassigned):
		return AssigneeUnassigned, nil
	case strings.Contains(s, "@"):
		return s, nil
	default:
		return "", fmt.Errorf("assignee filter %q: want all, unassigned or an email address", s)
	}
}

// ListFilter narrows ListOpen. Zero values select the defaults: the open-like
// statuses, no time window, every assignee, newest first and pages of 100.
type ListFilter struct {
	Statuses  []string
	StartTime time.Time
	EndTime   time.Time
	// Assignee keeps only investigations owned by this email, or with no
	// owner when it is AssigneeUnassigned. Empty keeps all.
	Assignee string
	Order    Order
	PageSize int
}

// Apply filters list by assignee and orders it by creation time. Records
// created at the same instant keep their relative order. list is not
// modified.
func (f ListFilter) Apply(list []Investigation) []Investigation {
	out := make([]Investigation, 0, len(list))
	for _, inv := range list {
		email := strings.TrimSpace(inv.AssigneeEmail())
		switch f.Assignee {
		case "":
		case AssigneeUnassigned:
			if email != "" {
				continue
			}
		default:
			if !strings.EqualFold(email, strings.TrimSpace(f.Assignee)) {
				continue
			}
		}
		out = append(out, inv)
	}
	slices.SortStableFunc(out, func(a, b Investigation) int {
		if f.Order == OldestFirst {
			return a.CreatedTime.Compare(b.CreatedTime)
		}
		return b.CreatedTime.Compare(a.CreatedTime)
	})
	return out
}

type listResponse struct {
	Data     []Investigation `json:"data"`
	Metadata struct {
		Index      int `json:"index"`
		Size       int `json:"size"`
		TotalData  int `json:"total_data"`
		TotalPages int `json:"total_pages"`
	} `json:"metadata"`
}

// ListOpen returns every investigation matching f in f.Order, following
// pagination until the server reports the last page. The assignee filter is
// applied locally since the API has no such parameter.
func (c *Client) ListOpen(ctx context.Context, f ListFilter) ([]Investigation, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = OpenStatuses
	}
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}

	q := url.Values{}
	q.Set("statuses", strings.Join(statuses, ","))
	q.Set("size", strconv.Itoa(size))
	q.Set("sort", "created_time,ASC")
	if !f.StartTime.IsZero() {
		q.Set("start_time", f.StartTime.UTC().Format(time.RFC3339))
	}
	if !f.EndTime.IsZero() {
		q.Set("end_time", f.EndTime.UTC().Format(time.RFC3339))
	}

	var all []Investigation
	for index := 0; index < maxPages; index++ {
		q.Set("index", strconv.Itoa(index))
		var page listResponse
		if err := c.Do(ctx, http.MethodGet, investigationsPath+"?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("listing investigations (page %d): %w", index, err)
		}
		if len(page.Data) == 0 {
			break
		}
		all = append(all, page.Data...)

		current := page.Metadata.Index
		if current < index {
			current = index
		}
		if page.Metadata.TotalPages == 0 || current >= page.Metadata.TotalPages-1 {
			break
		}
	}
	return f.Apply(all), nil
}

// Get fetches one investigation by ID or RRN.
func (c *Client) Get(ctx context.Context, id string) (Investigation, error) {
	if strings.TrimSpace(id) == "" {
		return Investigation{}, fmt.Errorf("get investigation: empty identifier")
	}
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodGet, investigationPath(id), nil, &raw); err != nil {
		return Investigation{}, err
	}
	return decodeInvestigation(raw)
}

// ResolveRRN returns idOrRRN unchanged when it already is an RRN, otherwise
// fetches the record and returns its RRN.
func (c *Client) ResolveRRN(ctx context.Context, idOrRRN string) (string, error) {
	idOrRRN = strings.TrimSpace(idOrRRN)
	if idOrRRN == "" {
		return "", fmt.Errorf("resolve rrn: empty identifier")
	}
	if IsRRN(idOrRRN) {
		return idOrRRN, nil
	}
	inv, err := c.Get(ctx, idOrRRN)
	if err != nil {
		return "", fmt.Errorf("resolve rrn for %s: %w", idOrRRN, err)
	}
	if inv.RRN == "" {
		return "", fmt.Errorf("resolve rrn for %s: response carries no rrn", idOrRRN)
	}
	return inv.RRN, nil
}

// IsRRN reports whether s looks like a Rapid7 resource name.
func IsRRN(s string) bool { return strings.HasPrefix(s, "rrn:") }

// Fields is the set of attributes Update changes. Empty fields are left
// untouched on the server.
type Fields struct {
	Status        string
	Disposition   string
	AssigneeEmail string
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Status == "" && f.Disposition == "" && f.AssigneeEmail == ""
}

type patchBody struct {
	Status      string  `json:"status,omitempty"`
	Disposition string  `json:"disposition,omitempty"`
	Assignee    *Person `json:"assignee,omitempty"`
}

// Update applies f to the investigation in a single PATCH and returns the
// record the server reports afterwards.
func (c *Client) Update(ctx context.Context, id string, f Fields) (Investigation, error) {
	if f.Empty() {
		return Investigation{}, fmt.Errorf("update %s: no fields to change", id)
	}
	body := patchBody{Status: f.Status, Disposition: f.Disposition}
	if f.AssigneeEmail != "" {
		body.Assignee = &Person{Email: f.AssigneeEmail}
	}
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodPatch, investigationPath(id), body, &raw); err != nil {
		return Investigation{}, err
	}
	if len(raw) == 0 {
		return Investigation{}, nil
	}
	return decodeInvestigation(raw)
}

// ConsoleLink returns the web console URL for an investigation, or "" when
// no organisation ID is configured.
func (c *Client) ConsoleLink(rrn string) string {
	return ConsoleLink(c.region, c.orgID, rrn)
}

// ConsoleLink builds the console URL for rrn in region and org.
func ConsoleLink(region, orgID, rrn string) string {
	if rrn == "" || orgID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.idr.insight.rapid7.com/op/%s#/investigations/%s", region, orgID, rrn)
}

func investigationPath(id string) string {
	return investigationsPath + "/" + url.PathEscape(id)
}

// decodeInvestigation accepts both the bare record and the {"data": ...}
// envelope the API uses on some endpoints.
func decodeInvestigation(raw json.RawMessage) (Investigation, error) {
	var env struct {
		Data *Investigation `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		return *env.Data, nil
	}
	var inv Investigation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Investigation{}, fmt.Errorf("decoding investigation: %w", err)
	}
	return inv, nil
}
