package benchmarks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dan-strohschein/syndrdb-bulkload/bulk"
	"github.com/dan-strohschein/syndrdb-bulkload/client"
	"github.com/dan-strohschein/syndrdb-bulkload/emulator"
	"github.com/dan-strohschein/syndrdb-bulkload/food"
	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
	"github.com/dan-strohschein/syndrdb-bulkload/seed"
)

const group = "Energy Bars"

// budgetExecutor consumes at most n items per call without any I/O.
type budgetExecutor struct{ n int }

func (e budgetExecutor) ExecuteProcedure(_ context.Context, _, _ string, args ...any) (*client.ProcedureResponse, error) {
	items := args[0].([]food.Food)
	return &client.ProcedureResponse{StatusCode: 200, Body: strconv.Itoa(min(e.n, len(items)))}, nil
}

// BenchmarkEncodeProcedureCall measures framing a 250 item upload
func BenchmarkEncodeProcedureCall(b *testing.B) {
	items := seed.New(1, group).Batch(250)
	codec := protocol.NewCodec()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		arg, err := json.Marshal(items)
		if err != nil {
			b.Fatal(err)
		}
		_, err = protocol.EncodeProcedureCall(codec, protocol.ProcedureCall{
			Database:     "ImportDatabase",
			Container:    "FoodCollection",
			Procedure:    "bulkUpload",
			PartitionKey: group,
			Args:         []json.RawMessage{arg},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkUploadLoop measures the loop overhead of a 1000 item upload
func BenchmarkUploadLoop(b *testing.B) {
	items := seed.New(1, group).Batch(1000)
	up := bulk.NewUploader(budgetExecutor{n: 250}, bulk.UploadOptions{PartitionKey: group})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := up.Upload(context.Background(), items); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStoreInsert measures one 250 document bbolt transaction
func BenchmarkStoreInsert(b *testing.B) {
	store, err := emulator.OpenStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()

	gen := seed.New(1, group)
	p := emulator.Partition{Database: "ImportDatabase", Container: "FoodCollection", Key: group}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		docs := make([]json.RawMessage, 250)
		for j := range docs {
			docs[j], _ = json.Marshal(gen.Next())
		}
		b.StartTimer()

		if _, err := store.Insert(p, docs, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSeedAndPurge measures a full upload and delete over TCP
func BenchmarkSeedAndPurge(b *testing.B) {
	store, err := emulator.OpenStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()

	srv := emulator.NewServer(emulator.NewEngine(store, emulator.EngineOptions{}), emulator.ServerOptions{})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	ctx := context.Background()
	c, err := client.Dial(ctx, srv.Addr().String(), client.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()
	ct := c.Container("ImportDatabase", "FoodCollection")

	gen := seed.New(1, group)
	up := bulk.NewUploader(ct, bulk.UploadOptions{PartitionKey: group})
	del := bulk.NewDeleter(ct, bulk.DeleteOptions{PartitionKey: group})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		items := gen.Batch(1000)
		if _, err := up.Upload(ctx, items); err != nil {
			b.Fatal(err)
		}
		res, err := del.Delete(ctx, food.GroupQuery(group))
		if err != nil {
			b.Fatal(err)
		}
		if res.TotalDeleted != len(items) {
			b.Fatalf("deleted %d of %d", res.TotalDeleted, len(items))
		}
	}
}
