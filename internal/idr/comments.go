package idr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const commentsPath = "/idr/v1/comments"

// Comment is a note attached to an investigation.
type Comment struct {
	RRN         string    `json:"rrn,omitempty"`
	Target      string    `json:"target"`
	Body        string    `json:"body"`
	Creator     *Person   `json:"creator,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

// Author renders the creator for display.
func (c Comment) Author() string {
	if c.Creator == nil || (c.Creator.Name == "" && c.Creator.Email == "") {
		return "Unknown"
	}
	if c.Creator.Email == "" {
		return c.Creator.Name
	}
	return fmt.Sprintf("%s <%s>", c.Creator.Name, c.Creator.Email)
}

// ListComments returns the comments on the investigation identified by rrn,
// oldest first.
func (c *Client) ListComments(ctx context.Context, rrn string) ([]Comment, error) {
	if strings.TrimSpace(rrn) == "" {
		return nil, fmt.Errorf("list comments: empty target")
	}
	var resp struct {
		Data []Comment `json:"data"`
	}
	q := url.Values{"target": {rrn}}
	if err := c.Do(ctx, http.MethodGet, commentsPath+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := resp.Data
	if out == nil {
		out = []Comment{}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedTime.Before(out[j].CreatedTime)
	})
	return out, nil
}

type commentBody struct {
	Target string `json:"target"`
	Body   string `json:"body"`
}

// PostComment attaches text to the investigation identified by rrn.
func (c *Client) PostComment(ctx context.Context, rrn, text string) (Comment, error) {
	if strings.TrimSpace(rrn) == "" {
		return Comment{}, fmt.Errorf("post comment: empty target")
	}
	if strings.TrimSpace(text) == "" {
		return Comment{}, fmt.Errorf("post comment: empty body")
	}
	var created Comment
	if err := c.Do(ctx, http.MethodPost, commentsPath, commentBody{Target: rrn, Body: text}, &created); err != nil {
		return Comment{}, err
	}
	if created.Target == "" {
		created.Target = rrn
	}
	if created.Body == "" {
		created.Body = text
	}
	return created, nil
}
