package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipBody(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	buf := &bytes.Buffer{}
	gw := gzip.NewWriter(buf)
	if _, err := gw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write error: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close error: %v", err)
	}
	return buf
}

func TestGzipMiddleware(t *testing.T) {
	echo := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))

	t.Run("plain request and response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))

		rec := httptest.NewRecorder()
		echo.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Header().Get("Content-Encoding") == "gzip" {
			t.Fatal("response must not be compressed without Accept-Encoding")
		}
		if rec.Body.String() != "hello" {
			t.Fatalf("body = %q, want %q", rec.Body.String(), "hello")
		}
	})

	t.Run("compressed request body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", gzipBody(t, "hello"))
		req.Header.Set("Content-Encoding", "gzip")

		rec := httptest.NewRecorder()
		echo.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Body.String() != "hello" {
			t.Fatalf("body = %q, want %q", rec.Body.String(), "hello")
		}
	})

	t.Run("compressed response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
		req.Header.Set("Accept-Encoding", "gzip")

		rec := httptest.NewRecorder()
		echo.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Header().Get("Content-Encoding") != "gzip" {
			t.Fatal("response must carry Content-Encoding: gzip")
		}

		gr, err := gzip.NewReader(rec.Body)
		if err != nil {
			t.Fatalf("gzip reader error: %v", err)
		}
		defer gr.Close()

		body, err := io.ReadAll(gr)
		if err != nil {
			t.Fatalf("read body error: %v", err)
		}
		if string(body) != "hello" {
			t.Fatalf("body = %q, want %q", string(body), "hello")
		}
	})

	t.Run("corrupt compressed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not gzip"))
		req.Header.Set("Content-Encoding", "gzip")

		rec := httptest.NewRecorder()
		echo.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}
