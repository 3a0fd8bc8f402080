package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "value size bytes")
	mgetBatch := flag.Int("mget", 0, "multi-get batch size (0 disables the mget phase)")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, *valSize)
			_, _ = client.Post(*addr+"/kv/"+key, "application/octet-stream", bytes.NewReader(payload))
			resp, _ := client.Get(*addr + "/kv/" + key)
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			<-ch
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	ops := *n * 2
	fmt.Printf("Completed %d ops in %s (%.2f ops/s)\n", ops, dur, float64(ops)/dur.Seconds())

	if *mgetBatch <= 0 {
		return
	}

	// mget phase: batched reads over the keys just written, exercising the
	// per-owner fan-out path.
	start = time.Now()
	batches := 0
	for i := 0; i < *n; i += *mgetBatch {
		keys := make([]string, 0, *mgetBatch)
		for j := i; j < i+*mgetBatch && j < *n; j++ {
			keys = append(keys, fmt.Sprintf("k%d", j))
		}
		resp, err := client.Get(*addr + "/kv/mget?keys=" + strings.Join(keys, ","))
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		batches++
	}
	dur = time.Since(start)
	fmt.Printf("Completed %d mget batches in %s (%.2f batches/s)\n", batches, dur, float64(batches)/dur.Seconds())
}
