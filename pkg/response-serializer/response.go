package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// StoredAtHeaderName carries the time a snapshot was stored, in epoch milliseconds.
// It only ever exists inside the cache; origin values are overwritten on encode
// and the header is stripped on decode.
const StoredAtHeaderName = "Aoffline-Stored-At"

// StoredResponse is a complete response snapshot.
// Snapshots are what strategies return and what partitions store.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the engine clock when the snapshot was stored.
	// Zero for snapshots which were never stored.
	StoredAt time.Time
}

// FromResponse reads the response into a snapshot and closes the body.
func FromResponse(res *http.Response) (StoredResponse, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return StoredResponse{}, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del(StoredAtHeaderName)
	return StoredResponse{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// Encode returns the HTTP/1.1 representation of the snapshot,
// with the stored-at header set to storedAt.
func Encode(sRes StoredResponse, storedAt time.Time) ([]byte, error) {
	header := sRes.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(StoredAtHeaderName, strconv.FormatInt(storedAt.UnixMilli(), 10))
	// the body is written in full, so any transfer coding of the origin is gone
	header.Del("Transfer-Encoding")
	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(sRes.Body)),
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode converts bytes created with Encode back to a snapshot.
func Decode(b []byte) (StoredResponse, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return StoredResponse{}, err
	}
	storedAtMs, err := strconv.ParseInt(res.Header.Get(StoredAtHeaderName), 10, 64)
	if err != nil {
		res.Body.Close()
		return StoredResponse{}, fmt.Errorf("Stored response without stored-at time: %w", err)
	}
	sRes, err := FromResponse(res)
	if err != nil {
		return sRes, err
	}
	sRes.StoredAt = time.UnixMilli(storedAtMs)
	return sRes, nil
}

// Age returns how long ago the snapshot was stored.
func (s StoredResponse) Age(now time.Time) time.Duration {
	return now.Sub(s.StoredAt)
}

// Write sends the snapshot to the client.
func (s StoredResponse) Write(w http.ResponseWriter) (int, error) {
	for k, vv := range s.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(s.Body)))
	w.WriteHeader(s.StatusCode)
	return w.Write(s.Body)
}
