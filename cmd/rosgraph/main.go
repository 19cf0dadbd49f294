// Command rosgraph runs small demo nodes against a graph directory:
//
//	rosgraph talker    -name /talker   -topic /chatter
//	rosgraph listener  -name /listener -topic /chatter
//	rosgraph add-server -name /calc
//	rosgraph add-client -name /caller -a 3 -b 4
//
// The directory URI comes from -master, the config file, or
// ROSGRAPH_MASTER_URI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/rosgraph/config"
	"github.com/c360/rosgraph/graph"
	"github.com/c360/rosgraph/message"
	"github.com/c360/rosgraph/node"
	"github.com/c360/rosgraph/transport"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rosgraph <talker|listener|add-server|add-client> [flags]")
		os.Exit(2)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	masterURI := flags.String("master", "", "directory URI (overrides config)")
	nodeName := flags.String("name", "", "node name (overrides config)")
	topicName := flags.String("topic", "/chatter", "topic for talker/listener")
	a := flags.Int64("a", 3, "first addend for add-client")
	b := flags.Int64("b", 4, "second addend for add-client")
	_ = flags.Parse(os.Args[2:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fatal(logger, "load config", err)
		}
	} else {
		cfg = config.Default()
		cfg.Node.Name = nodeNameFor(command)
		if v := os.Getenv(config.EnvMasterURI); v != "" {
			cfg.Node.MasterURI = v
		}
	}
	if *masterURI != "" {
		cfg.Node.MasterURI = *masterURI
	}
	if *nodeName != "" {
		cfg.Node.Name = *nodeName
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "validate config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		fatal(logger, "create node", err)
	}
	if err := n.Start(ctx); err != nil {
		fatal(logger, "start node", err)
	}
	defer n.Shutdown()

	switch command {
	case "talker":
		err = runTalker(ctx, n, graph.Name(*topicName))
	case "listener":
		err = runListener(ctx, n, graph.Name(*topicName))
	case "add-server":
		err = runAddServer(ctx, n)
	case "add-client":
		err = runAddClient(ctx, n, *a, *b)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil && ctx.Err() == nil {
		fatal(logger, command, err)
	}
}

func fatal(logger *slog.Logger, action string, err error) {
	logger.Error(action+" failed", "err", err)
	os.Exit(1)
}

func stringDescription() graph.TopicDescription {
	return graph.TopicDescription{
		Type:       message.StringTypeName,
		Definition: message.StringDefinition,
		MD5Sum:     message.StringMD5Sum,
	}
}

func runTalker(ctx context.Context, n *node.Node, topicName graph.Name) error {
	pub, err := n.NewPublisher(topicName, stringDescription(), message.StringCodec{})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pub.Publish(message.String{Data: fmt.Sprintf("hello %d", seq)}); err != nil {
				return err
			}
			seq++
		}
	}
}

func runListener(ctx context.Context, n *node.Node, topicName graph.Name) error {
	sub, err := n.NewSubscriber(topicName, stringDescription(), message.StringCodec{})
	if err != nil {
		return err
	}

	sub.AddMessageListener(transport.MessageListenerFunc(func(m message.Message) {
		if s, ok := m.(message.String); ok {
			fmt.Println(s.Data)
		}
	}))

	<-ctx.Done()
	return nil
}

const (
	addTwoIntsType = "rospy_tutorials/AddTwoInts"
	addTwoIntsMD5  = "6a2e34150c00229791cc89ff309fff21"
)

// addTwoIntsCodec serializes the demo service pair: 16-byte requests
// (a, b) and 8-byte responses (sum), little-endian.
type addTwoIntsCodec struct{}

func (addTwoIntsCodec) Serialize(m message.Message) ([]byte, error) {
	switch v := m.(type) {
	case [2]int64:
		body := make([]byte, 16)
		putInt64(body, v[0])
		putInt64(body[8:], v[1])
		return body, nil
	case int64:
		body := make([]byte, 8)
		putInt64(body, v)
		return body, nil
	}
	return nil, fmt.Errorf("unsupported message %T", m)
}

func (addTwoIntsCodec) Deserialize(data []byte) (message.Message, error) {
	switch len(data) {
	case 16:
		return [2]int64{getInt64(data), getInt64(data[8:])}, nil
	case 8:
		return getInt64(data), nil
	}
	return nil, fmt.Errorf("unsupported body length %d", len(data))
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

func runAddServer(ctx context.Context, n *node.Node) error {
	_, err := n.NewServiceServer("/add_two_ints",
		graph.ServiceDescription{Type: addTwoIntsType, MD5Sum: addTwoIntsMD5},
		func(_ context.Context, request message.Message) (message.Message, error) {
			pair, ok := request.([2]int64)
			if !ok {
				return nil, fmt.Errorf("unexpected request %T", request)
			}
			return pair[0] + pair[1], nil
		},
		addTwoIntsCodec{}, addTwoIntsCodec{})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func runAddClient(ctx context.Context, n *node.Node, a, b int64) error {
	client := n.NewServiceClient(
		graph.NewServiceDeclaration(
			graph.ServiceIdentifier{Name: "/add_two_ints"},
			graph.ServiceDescription{Type: addTwoIntsType, MD5Sum: addTwoIntsMD5}),
		addTwoIntsCodec{}, addTwoIntsCodec{})

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	response, err := client.CallSync(callCtx, [2]int64{a, b})
	if err != nil {
		return err
	}

	sum, ok := response.(int64)
	if !ok {
		return fmt.Errorf("unexpected response %T", response)
	}
	fmt.Printf("%d + %d = %d\n", a, b, sum)
	return nil
}

// nodeNameFor fills demo-friendly names when no config file is given.
func nodeNameFor(command string) string {
	return "/" + strings.ReplaceAll(command, "-", "_")
}
