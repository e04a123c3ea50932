package entsoe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleXMLResponse = `<?xml version="1.0" encoding="UTF-8"?>
<Publication_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-3:publicationdocument:7:0">
    <mRID>1</mRID>
    <revisionNumber>1</revisionNumber>
    <type>A44</type>
    <sender_MarketParticipant.mRID codingScheme="A01">10X1001A1001A450</sender_MarketParticipant.mRID>
    <sender_MarketParticipant.marketRole.type>A32</sender_MarketParticipant.marketRole.type>
    <receiver_MarketParticipant.mRID codingScheme="A01">10X1001A1001A450</receiver_MarketParticipant.mRID>
    <receiver_MarketParticipant.marketRole.type>A33</receiver_MarketParticipant.marketRole.type>
    <createdDateTime>2025-09-05T21:00:00Z</createdDateTime>
    <period.timeInterval>
        <start>2025-09-05T22:00Z</start>
        <end>2025-09-06T21:00Z</end>
    </period.timeInterval>
    <TimeSeries>
        <mRID>1</mRID>
        <businessType>A62</businessType>
        <in_Domain.mRID codingScheme="A01">10Y1001A1001A83F</in_Domain.mRID>
        <out_Domain.mRID codingScheme="A01">10Y1001A1001A83F</out_Domain.mRID>
        <currency_Unit.name>EUR</currency_Unit.name>
        <price_Measure_Unit.name>MWH</price_Measure_Unit.name>
        <curveType>A01</curveType>
        <Period>
            <timeInterval>
                <start>2025-09-05T22:00Z</start>
                <end>2025-09-06T21:00Z</end>
            </timeInterval>
            <resolution>PT60M</resolution>
            <Point>
                <position>1</position>
                <price.amount>120.5</price.amount>
            </Point>
            <Point>
                <position>2</position>
                <price.amount>115.0</price.amount>
            </Point>
        </Period>
    </TimeSeries>
</Publication_MarketDocument>`

func TestFetchDocumentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sampleXMLResponse))
	}))
	defer srv.Close()

	c := New()
	urlFormat := srv.URL + "/?start=%s&end=%s&token=%s"
	now := time.Date(2025, 9, 5, 10, 0, 0, 0, time.UTC) // before 13:00, single fetch
	doc, err := c.FetchDocument(context.Background(), "secret", urlFormat, time.UTC, now)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if len(doc.TimeSeries) != 1 {
		t.Fatalf("expected 1 TimeSeries, got %d", len(doc.TimeSeries))
	}
}

func TestFetchDocumentMergesNextDayAfter13(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(sampleXMLResponse))
	}))
	defer srv.Close()

	c := New()
	urlFormat := srv.URL + "/?start=%s&end=%s&token=%s"
	now := time.Date(2025, 9, 5, 14, 0, 0, 0, time.UTC) // after 13:00
	doc, err := c.FetchDocument(context.Background(), "secret", urlFormat, time.UTC, now)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 fetches after 13:00, got %d", calls)
	}
	if len(doc.TimeSeries) != 2 {
		t.Fatalf("expected merged 2 TimeSeries, got %d", len(doc.TimeSeries))
	}
}

func TestFetchDocumentHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	urlFormat := srv.URL + "/?start=%s&end=%s&token=%s"
	_, err := c.FetchDocument(context.Background(), "secret", urlFormat, time.UTC, time.Now())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestMergeDocumentsNilInputs(t *testing.T) {
	if mergeDocuments(nil, nil) != nil {
		t.Fatal("expected nil for both-nil merge")
	}
	doc := &PublicationMarketDocument{}
	if mergeDocuments(doc, nil) != doc {
		t.Fatal("expected first returned when second is nil")
	}
	if mergeDocuments(nil, doc) != doc {
		t.Fatal("expected second returned when first is nil")
	}
}

func TestToENTSOETimestampFormat(t *testing.T) {
	ts := toENTSOETimestamp(time.Date(2025, 9, 5, 22, 0, 0, 0, time.UTC))
	if ts != "202509052200" {
		t.Fatalf("unexpected timestamp format: %s", ts)
	}
}
