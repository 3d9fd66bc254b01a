package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainPilot/sdk/go/chainpilot"
)

// 演示 SDK 的指令提交与结果轮询流程，使用内置的假服务替代真实后端。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instructions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(chainpilot.Instruction{
				ID:          "task-demo",
				Status:      "pending",
				Instruction: "把 10 USDC 换成 ETH",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/instructions/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chainpilot.Instruction{
			ID:          "task-demo",
			Status:      "succeeded",
			Instruction: "把 10 USDC 换成 ETH",
			Result: &chainpilot.ExecutionResult{
				Reply:            "已生成兑换交易，等待钱包签名。",
				IntentAction:     "SWAP",
				IntentConfidence: 0.95,
				StepsTotal:       2,
				StepsCompleted:   2,
				Valid:            true,
				ValidationScore:  1,
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := chainpilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitInstruction(ctx, chainpilot.InstructionSubmission{
		SessionID:   "demo-session",
		Instruction: "把 10 USDC 换成 ETH",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("已提交指令: %s (状态 %s)\n", created.ID, created.Status)

	final, err := client.WaitForCompletion(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("执行完成: %s\n", final.Result.Reply)
}
