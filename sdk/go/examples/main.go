package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"L402-Agent/sdk/go/l402agent"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "l402d 地址")
	question := flag.String("q", "What is the alias of my node?", "问题")
	async := flag.Bool("async", false, "以异步任务方式提交")
	flag.Parse()

	client, err := l402agent.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if !*async {
		answer, err := client.Ask(ctx, *question)
		if err != nil {
			log.Fatal(err)
		}
		if answer.Failure != nil {
			log.Fatalf("answer failed: %s %s", answer.Failure.Code, answer.Failure.Message)
		}
		fmt.Printf("[%s] %s\n", answer.Intent, answer.Answer)
	} else {
		created, err := client.SubmitTask(ctx, l402agent.TaskSubmission{Question: *question})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("submitted task %s\n", created.ID)

		done, err := client.WaitForTask(ctx, created.ID, time.Second)
		if err != nil {
			log.Fatal(err)
		}
		if done.Status != l402agent.StatusSucceeded {
			log.Fatalf("task %s failed: %s %s", done.ID, done.ErrorCode, done.LastError)
		}
		fmt.Println(done.Result.Answer)
	}

	payments, err := client.ListPayments(ctx, 5)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range payments {
		fmt.Printf("%s %s %d sat %s\n", p.CreatedAt.Format(time.RFC3339), p.Status, p.AmountSat, p.Path)
	}
}
