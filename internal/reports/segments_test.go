// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package reports

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBody(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	zw := gzip.NewWriter(w)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestFetchSegmentsNotReady(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyticsReportInstances/in-1/segments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, _ := newTestClient(t, mux)

	_, err := NewFetcher(client).FetchSegments(context.Background(), ReportInstance{InstanceID: "in-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceNotReady)
}

func TestFetchSegmentsEmptyListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyticsReportInstances/in-1/segments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[],"links":{}}`)
	})

	client, _ := newTestClient(t, mux)

	_, err := NewFetcher(client).FetchSegments(context.Background(), ReportInstance{InstanceID: "in-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFetchSegmentsOrderedPayloads(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/analyticsReportInstances/in-1/segments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"id":"s1","attributes":{"url":"%[1]s/seg/1","checksum":"x","sizeInBytes":10}},
			{"id":"s2","attributes":{"url":"%[1]s/seg/2"}},
			{"id":"junk","attributes":{}},
			{"id":"s3","attributes":{"url":"%[1]s/seg/3"}}
		],"links":{}}`, srvURL)
	})
	for i := 1; i <= 3; i++ {
		mux.HandleFunc(fmt.Sprintf("/seg/%d", i), func(w http.ResponseWriter, r *http.Request) {
			gzipBody(t, w, fmt.Sprintf("payload-%s", r.URL.Path[len("/seg/"):]))
		})
	}

	client, srv := newTestClient(t, mux)
	srvURL = srv.URL

	payloads, err := NewFetcher(client).FetchSegments(context.Background(), ReportInstance{InstanceID: "in-1"})
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, "payload-1", string(payloads[0]))
	assert.Equal(t, "payload-2", string(payloads[1]))
	assert.Equal(t, "payload-3", string(payloads[2]))
}

func TestFetchSegmentsDownloadFailureIsInstanceFatal(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/analyticsReportInstances/in-1/segments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"id":"s1","attributes":{"url":"%[1]s/seg/ok"}},
			{"id":"s2","attributes":{"url":"%[1]s/seg/broken"}}
		],"links":{}}`, srvURL)
	})
	mux.HandleFunc("/seg/ok", func(w http.ResponseWriter, r *http.Request) {
		gzipBody(t, w, "fine")
	})
	mux.HandleFunc("/seg/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, srv := newTestClient(t, mux)
	srvURL = srv.URL

	_, err := NewFetcher(client).FetchSegments(context.Background(), ReportInstance{InstanceID: "in-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-1")
}

func TestFetchSegmentsCorruptGzipIsInstanceFatal(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/analyticsReportInstances/in-1/segments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"id":"s1","attributes":{"url":"%s/seg/bad"}}],"links":{}}`, srvURL)
	})
	mux.HandleFunc("/seg/bad", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not gzip"))
	})

	client, srv := newTestClient(t, mux)
	srvURL = srv.URL

	_, err := NewFetcher(client).FetchSegments(context.Background(), ReportInstance{InstanceID: "in-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gunzip")
}
