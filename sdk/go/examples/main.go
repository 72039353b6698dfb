package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentHive-Chain/sdk/go/agenthive"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agenthive.ChatResult{
			SessionID: "sess-demo",
			AgentID:   "helper",
			Status:    "completed",
			Reply:     "hello from the demo agent",
		})
	})
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agenthive.Run{ID: "run-demo", Status: "pending"})
	})
	mux.HandleFunc("/api/v1/runs/run-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(agenthive.Run{
			ID:     "run-demo",
			Status: "succeeded",
			Result: &agenthive.RunResult{SessionID: "sess-demo", Reply: "done"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agenthive.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chat, err := client.Chat(ctx, agenthive.ChatRequest{AgentID: "helper", Input: "hi"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("chat reply: %s (session=%s)\n", chat.Reply, chat.SessionID)

	created, err := client.SubmitRun(ctx, agenthive.RunSubmission{AgentID: "helper", Input: "do work"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", created.ID, created.Status)

	final, err := client.WaitForRun(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run finished: %s reply=%q\n", final.Status, final.Result.Reply)
}
