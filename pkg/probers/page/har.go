package page

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/har"
	"github.com/chromedp/cdproto/network"
)

const harCreator = "pagecheck"

type harEntry struct {
	started time.Time
	entry   *har.Entry
}

// harRecorder collects request/response pairs from DevTools network events.
type harRecorder struct {
	mu      sync.Mutex
	now     func() time.Time
	pending map[network.RequestID]*harEntry
	done    []*harEntry
}

func newHARRecorder() *harRecorder {
	return &harRecorder{
		now:     time.Now,
		pending: make(map[network.RequestID]*harEntry),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func headerPairs(headers network.Headers) []*har.NameValuePair {
	result := make([]*har.NameValuePair, 0, len(headers))
	for name, value := range headers {
		result = append(result, &har.NameValuePair{Name: name, Value: fmt.Sprint(value)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	return result
}

func headerValue(headers network.Headers, name string) string {
	for key, value := range headers {
		if s, ok := value.(string); ok && strings.EqualFold(key, name) {
			return s
		}
	}

	return ""
}

func queryPairs(rawURL string) []*har.NameValuePair {
	result := []*har.NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return result
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range query[key] {
			result = append(result, &har.NameValuePair{Name: key, Value: value})
		}
	}

	return result
}

func httpVersion(protocol string) string {
	switch strings.ToLower(protocol) {
	case "h2":
		return "HTTP/2.0"
	case "h3":
		return "HTTP/3.0"
	case "":
		return "HTTP/1.1"
	default:
		return strings.ToUpper(protocol)
	}
}

func harResponse(resp *network.Response) *har.Response {
	return &har.Response{
		Status:      resp.Status,
		StatusText:  resp.StatusText,
		HTTPVersion: httpVersion(resp.Protocol),
		Cookies:     []*har.Cookie{},
		Headers:     headerPairs(resp.Headers),
		Content: &har.Content{
			Size:     -1,
			MimeType: resp.MimeType,
		},
		RedirectURL: headerValue(resp.Headers, "Location"),
		HeadersSize: -1,
		BodySize:    -1,
	}
}

func (r *harRecorder) finish(e *harEntry, at time.Time) {
	e.entry.Time = millis(at.Sub(e.started))
	if e.entry.Response == nil {
		e.entry.Response = &har.Response{
			HTTPVersion: e.entry.Request.HTTPVersion,
			Cookies:     []*har.Cookie{},
			Headers:     []*har.NameValuePair{},
			Content:     &har.Content{},
			HeadersSize: -1,
			BodySize:    -1,
		}
	}

	r.done = append(r.done, e)
}

func (r *harRecorder) handle(ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil {
			return
		}

		// A redirect reuses the request ID: close the previous hop first.
		if prev, ok := r.pending[ev.RequestID]; ok {
			if ev.RedirectResponse != nil {
				prev.entry.Response = harResponse(ev.RedirectResponse)
			}
			r.finish(prev, now)
			delete(r.pending, ev.RequestID)
		}

		r.pending[ev.RequestID] = &harEntry{
			started: now,
			entry: &har.Entry{
				StartedDateTime: now.UTC().Format(time.RFC3339Nano),
				Request: &har.Request{
					Method:      ev.Request.Method,
					URL:         ev.Request.URL,
					HTTPVersion: "HTTP/1.1",
					Cookies:     []*har.Cookie{},
					Headers:     headerPairs(ev.Request.Headers),
					QueryString: queryPairs(ev.Request.URL),
					HeadersSize: -1,
					BodySize:    -1,
				},
				Cache:   &har.Cache{},
				Timings: &har.Timings{Blocked: -1, DNS: -1, Connect: -1},
			},
		}

	case *network.EventResponseReceived:
		e, ok := r.pending[ev.RequestID]
		if !ok || ev.Response == nil {
			return
		}

		e.entry.Response = harResponse(ev.Response)
		e.entry.Request.HTTPVersion = e.entry.Response.HTTPVersion
		e.entry.Timings.Wait = millis(now.Sub(e.started))

	case *network.EventLoadingFinished:
		e, ok := r.pending[ev.RequestID]
		if !ok {
			return
		}

		if e.entry.Response != nil {
			e.entry.Response.BodySize = int64(ev.EncodedDataLength)
			e.entry.Timings.Receive = millis(now.Sub(e.started)) - e.entry.Timings.Wait
		}
		r.finish(e, now)
		delete(r.pending, ev.RequestID)

	case *network.EventLoadingFailed:
		e, ok := r.pending[ev.RequestID]
		if !ok {
			return
		}

		r.finish(e, now)
		e.entry.Response.StatusText = ev.ErrorText
		delete(r.pending, ev.RequestID)
	}
}

// Archive returns completed entries, in the order they were started, as a HAR log.
func (r *harRecorder) Archive() *har.HAR {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*har.Entry, 0, len(r.done))
	done := append([]*harEntry{}, r.done...)
	sort.SliceStable(done, func(i, j int) bool { return done[i].started.Before(done[j].started) })
	for _, e := range done {
		entries = append(entries, e.entry)
	}

	return &har.HAR{
		Log: &har.Log{
			Version: "1.2",
			Creator: &har.Creator{
				Name:    harCreator,
				Version: "1.0",
			},
			Pages:   []*har.Page{},
			Entries: entries,
		},
	}
}

func writeHAR(filename string, archive *har.HAR) error {
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal HAR log: %w", err)
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(filename, data, 0644)
}

// UnmarshalHAR reads a HAR log written by writeHAR.
func UnmarshalHAR(data []byte) (har.HAR, error) {
	var harLog har.HAR
	if err := json.Unmarshal(data, &harLog); err != nil {
		return harLog, fmt.Errorf("failed to unmarshal HAR log: %w", err)
	}

	return harLog, nil
}
