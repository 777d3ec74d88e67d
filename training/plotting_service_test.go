package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPlottingService(t *testing.T) {
	var plots, batches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/plot":
			var pd PlotData
			if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(PlottingResponse{Message: err.Error()})
				return
			}
			atomic.AddInt32(&plots, 1)
			_ = json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: string(pd.PlotType)})
		case "/api/batch-plot":
			atomic.AddInt32(&batches, 1)
			_ = json.NewEncoder(w).Encode(PlottingResponse{Success: true, BatchID: "b1"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(PlottingResponse{Message: "not found"})
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryAttempts: 2})

	resp, err := ps.SendPlotData(ctx, PlotData{PlotType: TrainingCurves})
	if err != nil || resp.Success {
		t.Errorf("disabled service: resp %+v err %v", resp, err)
	}
	if atomic.LoadInt32(&plots) != 0 {
		t.Error("disabled service sent a request")
	}

	ps.Enable()
	if err := ps.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	resp, err = ps.SendPlotDataWithRetry(ctx, PlotData{PlotType: TrainingCurves})
	if err != nil {
		t.Fatalf("SendPlotDataWithRetry failed: %v", err)
	}
	if !resp.Success || resp.PlotID != string(TrainingCurves) {
		t.Errorf("unexpected response %+v", resp)
	}

	vc := NewVisualizationCollector("vp")
	vc.RecordEpoch(0, 0.01, 1, 0.5, 0.5)
	resp, err = ps.SendRunPlots(ctx, vc, nil)
	if err != nil || resp.BatchID != "b1" {
		t.Errorf("SendRunPlots: resp %+v err %v", resp, err)
	}
	if atomic.LoadInt32(&batches) != 1 {
		t.Errorf("batch requests = %d, expected 1", batches)
	}

	bad := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL + "/missing", Timeout: time.Second})
	bad.Enable()
	if _, err := bad.SendPlotData(ctx, PlotData{}); err == nil {
		t.Error("expected error for non-200 status")
	}
}
