package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"geocache/pkg/config"
	"geocache/pkg/rpc"
	"geocache/pkg/store"
)

type region struct {
	name   string
	client *rpc.Client
}

func pause(msg string, interactive bool) {
	fmt.Println()
	fmt.Println(msg)
	if !interactive {
		return
	}
	fmt.Print("Press Enter to continue...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

func readAll(ctx context.Context, regions []region, key string) {
	for _, r := range regions {
		v, ok, err := r.client.Get(ctx, key)
		switch {
		case err != nil:
			fmt.Printf("[%s] GET %s error: %v\n", r.name, key, err)
		case !ok:
			fmt.Printf("[%s] GET %s -> absent\n", r.name, key)
		default:
			fmt.Printf("[%s] GET %s -> %s\n", r.name, key, v.Data)
		}
	}
}

func put(ctx context.Context, r region, key, value string, ttl time.Duration) {
	ver, err := r.client.Set(ctx, key, store.Value{Data: []byte(value), Type: "text/plain"}, ttl)
	if err != nil {
		log.Printf("[%s] PUT %s error: %v", r.name, key, err)
		return
	}
	fmt.Printf("[%s] PUT %s=%s -> %s\n", r.name, key, value, ver)
}

func showHealth(ctx context.Context, regions []region) {
	for _, r := range regions {
		h, err := r.client.Health(ctx)
		if err != nil {
			fmt.Printf("[%s] health error: %v\n", r.name, err)
			continue
		}
		b, _ := json.Marshal(h)
		fmt.Printf("[%s] %s\n", r.name, b)
	}
}

// Walks through replication, conflict resolution and partitions on a running deployment.
func main() {
	var (
		list        = flag.String("regions", "eu=localhost:8081,us=localhost:8082,ap=localhost:8083", "region=address list")
		interactive = flag.Bool("i", true, "wait for Enter between steps")
		settle      = flag.Duration("settle", time.Second, "time allowed for replication between steps")
	)
	flag.Parse()

	peers, err := config.ParsePeers(*list)
	if err != nil || len(peers) < 2 {
		log.Fatalf("need at least two regions: %v", err)
	}

	var regions []region
	for _, p := range peers {
		regions = append(regions, region{name: p.Region, client: rpc.NewClient(p.Address)})
	}
	ctx := context.Background()
	a, b := regions[0], regions[1]

	pause("Step 1: write in "+a.name+", read everywhere", *interactive)
	put(ctx, a, "greeting", "hello from "+a.name, 0)
	readAll(ctx, regions[:1], "greeting")
	time.Sleep(*settle)
	readAll(ctx, regions, "greeting")

	pause("Step 2: concurrent writes to the same key in "+a.name+" and "+b.name, *interactive)
	put(ctx, a, "profile", "written in "+a.name, 0)
	put(ctx, b, "profile", "written in "+b.name, 0)
	time.Sleep(*settle)
	fmt.Println("every region converges on the same winner:")
	readAll(ctx, regions, "profile")

	pause("Step 3: delete in "+b.name, *interactive)
	if _, err := b.client.Delete(ctx, "greeting"); err != nil {
		log.Printf("[%s] DELETE error: %v", b.name, err)
	}
	time.Sleep(*settle)
	readAll(ctx, regions, "greeting")

	pause("Step 4: short ttl", *interactive)
	put(ctx, a, "session", "expires soon", 2*time.Second)
	readAll(ctx, regions, "session")
	time.Sleep(2*time.Second + *settle)
	readAll(ctx, regions, "session")

	pause("Step 5: stop one region now, then continue: the others report it and keep serving", *interactive)
	put(ctx, a, "during-outage", "still writable", 0)
	time.Sleep(*settle)
	showHealth(ctx, regions)

	pause("Step 6: restart the stopped region, then continue: it catches up", *interactive)
	time.Sleep(*settle)
	readAll(ctx, regions, "during-outage")
	showHealth(ctx, regions)
}
