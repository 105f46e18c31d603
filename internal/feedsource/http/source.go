// Package http implements changefeed.Source against a CouchDB-compatible
// document store's _changes endpoint over HTTP, the production transport
// for both the Scanner (against the shard-map database) and each
// Change-Reader worker (against its own shard).
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

// Source is a changefeed.Source backed by a resty client pointed at a
// CouchDB-compatible document store.
type Source struct {
	client *resty.Client
}

// New constructs a Source against baseURL, e.g. "http://localhost:5984".
func New(baseURL string) *Source {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Minute)
	return &Source{client: c}
}

// OpenChanges issues a feed=normal, include_docs=true _changes request and
// returns a Feed that decodes its single JSON body on the first Next and
// then hands out one row per Next call. The
// original's "normal" feed is not a long poll: the server answers with the
// current backlog and a trailing last_seq line, which this Feed surfaces
// as a single FrameStop.
func (s *Source) OpenChanges(ctx context.Context, db string, since changefeed.Sequence) (changefeed.Feed, error) {
	q := url.Values{}
	q.Set("feed", "normal")
	q.Set("include_docs", "true")
	if since != "" {
		q.Set("since", string(since))
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetDoNotParseResponse(true).
		Get(fmt.Sprintf("/%s/_changes", db))
	if err != nil {
		return nil, fmt.Errorf("open changes feed for %s: %w", db, err)
	}

	body := resp.RawBody()
	if resp.StatusCode() == 404 {
		body.Close()
		return nil, changefeed.ErrDatabaseDoesNotExist
	}
	if resp.StatusCode() >= 300 {
		defer body.Close()
		raw, _ := io.ReadAll(body)
		return nil, fmt.Errorf("changes feed for %s: status %d: %s", db, resp.StatusCode(), raw)
	}

	return &feed{db: db, body: body, dec: json.NewDecoder(bufio.NewReader(body))}, nil
}

type changesRow struct {
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Doc     json.RawMessage `json:"doc"`
	Seq     json.RawMessage `json:"seq"`
}

type changesEnvelope struct {
	Results []changesRow   `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// feed decodes the whole _changes response body up front: the "normal"
// feed is not a stream of independently-framed objects but one JSON
// document, so there is nothing to gain from incremental parsing here.
type feed struct {
	db   string
	body io.ReadCloser
	dec  *json.Decoder

	rows   []changesRow
	i      int
	stop   changefeed.Sequence
	parsed bool
	done   bool
}

func (f *feed) Next(ctx context.Context) (changefeed.Frame, error) {
	if !f.parsed {
		var env changesEnvelope
		if err := f.dec.Decode(&env); err != nil {
			return changefeed.Frame{}, fmt.Errorf("decode changes feed for %s: %w", f.db, err)
		}
		f.rows = env.Results
		f.stop = sequenceOf(env.LastSeq)
		f.parsed = true
	}

	if f.i < len(f.rows) {
		r := f.rows[f.i]
		f.i++
		return changefeed.Frame{
			Kind: changefeed.FrameChange,
			Row:  changefeed.Row{ID: r.ID, Deleted: r.Deleted, Doc: r.Doc},
		}, nil
	}

	if !f.done {
		f.done = true
		return changefeed.Frame{Kind: changefeed.FrameStop, EndSeq: f.stop}, nil
	}

	return changefeed.Frame{}, io.EOF
}

func (f *feed) Close() error {
	return f.body.Close()
}

// sequenceOf accepts either a string or numeric JSON sequence token,
// matching real document stores that encode "seq" both ways.
func sequenceOf(raw json.RawMessage) changefeed.Sequence {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return changefeed.Sequence(s)
	}
	return changefeed.Sequence(raw)
}
