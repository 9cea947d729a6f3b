package serializer

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFromResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	sRes, err := FromResponse(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", sRes.Body) != "This is the body" {
		t.Fatalf("Body: %s", sRes.Body)
	}
	if sRes.Header.Get("Server") != "Test" {
		t.Fatalf("Header: %+v", sRes.Header)
	}
}

func TestStoredAtSurvivesEncoding(t *testing.T) {
	sRes := StoredResponse{
		StatusCode: 201,
		Header:     http.Header{},
		Body:       []byte("quiz"),
	}
	sRes.Header.Add("Test", "-ing")
	storedAt := time.UnixMilli(time.Now().UnixMilli())

	bts, err := Encode(sRes, storedAt)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	res2, err := Decode(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", res2.Header)
	}
	if res2.Header.Get(StoredAtHeaderName) != "" {
		t.Fatalf("Stored-at header leaked %+v", res2.Header)
	}
	if !res2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %s, expected %s", res2.StoredAt, storedAt)
	}
	if res2.StatusCode != 201 || string(res2.Body) != "quiz" {
		t.Fatalf("Response is %d %s", res2.StatusCode, res2.Body)
	}
}

func TestOriginStoredAtIsNotTrusted(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\n" + StoredAtHeaderName + ": 1\r\nContent-Length: 2\r\n\r\nok"
	res, _ := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	sRes, err := FromResponse(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	storedAt := time.UnixMilli(1700000000000)
	bts, _ := Encode(sRes, storedAt)
	decoded, err := Decode(bts)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if !decoded.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at is %s", decoded.StoredAt)
	}
}

func TestDecodeWithoutStoredAtFails(t *testing.T) {
	if _, err := Decode([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err == nil {
		t.Fatal("Expected error")
	}
}

func TestEncodeDropsTransferEncoding(t *testing.T) {
	sRes := StoredResponse{StatusCode: 200, Header: http.Header{"Transfer-Encoding": {"chunked"}}, Body: []byte("abc")}
	bts, _ := Encode(sRes, time.Now())
	decoded, err := Decode(bts)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(decoded.Body) != "abc" {
		t.Fatalf("Body is %s", decoded.Body)
	}
}
