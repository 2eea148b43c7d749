// Command medragctl queries a running medrag service, fetches PubMed abstracts into the
// corpus file and issues access tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/knoguchi/medrag/internal/auth"
)

type rootOptions struct {
	addr    string
	apiKey  string
	token   string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "medragctl",
		Short:        "Client for the medrag query service",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("MEDRAG_ADDR", "localhost:9090"), "gRPC address of the query service")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("MEDRAG_API_KEY"), "API key sent as x-api-key")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MEDRAG_TOKEN"), "bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print the full response as JSON")

	root.AddCommand(
		newQueryCommand(opts),
		newFetchCommand(),
		newTokenCommand(),
		newCacheCommand(opts),
	)
	return root
}

// dial opens a client connection and returns a context carrying the credentials.
func (o *rootOptions) dial(parent context.Context) (context.Context, *grpc.ClientConn, context.CancelFunc, error) {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", o.addr, err)
	}

	ctx, cancel := context.WithTimeout(parent, o.timeout)
	if o.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.APIKeyHeader, o.apiKey)
	}
	if o.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.AuthorizationHeader, "Bearer "+o.token)
	}
	return ctx, conn, func() {
		cancel()
		_ = conn.Close()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProto(w io.Writer, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
