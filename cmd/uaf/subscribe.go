package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to data changes or events of OPC UA nodes",
	Long: `Subscribe to data changes on OPC UA nodes and print updates. Nodes that
cannot be monitored yet are retried in the background, and subscriptions
are recreated after a connection loss.

Updates can be forwarded to an MQTT broker as JSON messages.

Examples:
  uaf subscribe -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  uaf subscribe -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" -i 500ms
  uaf subscribe -e opc.tcp://localhost:4840 -n "i=2253" --events
  uaf subscribe -d opc.tcp://lds:4840 -n "svu=urn:plant:line1;ns=2;s=Speed" --mqtt-broker tcp://localhost:1883 --mqtt-topic plant/opcua`,
	RunE: runSubscribe,
}

var (
	subscribeNodeIDs []string
	subscribePath    string
	publishInterval  time.Duration
	sampleInterval   time.Duration
	subscribeQueue   uint32
	subscribeEvents  bool
	mqttBroker       string
	mqttTopic        string
	mqttQoS          int
	mqttUsername     string
	mqttPassword     string
)

func init() {
	subscribeCmd.Flags().StringArrayVarP(&subscribeNodeIDs, "node", "n", nil, "Node ID(s) to subscribe to (can specify multiple)")
	subscribeCmd.Flags().StringVar(&subscribePath, "path", "", "Relative path from each node")
	subscribeCmd.Flags().DurationVarP(&publishInterval, "interval", "i", time.Second, "Publishing interval")
	subscribeCmd.Flags().DurationVar(&sampleInterval, "sample", 250*time.Millisecond, "Sampling interval")
	subscribeCmd.Flags().Uint32Var(&subscribeQueue, "queue", 1, "Queue size per monitored item")
	subscribeCmd.Flags().BoolVar(&subscribeEvents, "events", false, "Monitor events instead of data changes")
	subscribeCmd.Flags().StringVar(&mqttBroker, "mqtt-broker", "", "Forward notifications to this MQTT broker (e.g. tcp://localhost:1883)")
	subscribeCmd.Flags().StringVar(&mqttTopic, "mqtt-topic", "uaf", "MQTT topic prefix")
	subscribeCmd.Flags().IntVar(&mqttQoS, "mqtt-qos", 0, "MQTT QoS (0, 1 or 2)")
	subscribeCmd.Flags().StringVar(&mqttUsername, "mqtt-username", "", "MQTT user name")
	subscribeCmd.Flags().StringVar(&mqttPassword, "mqtt-password", "", "MQTT password")
	subscribeCmd.MarkFlagRequired("node")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mqttQoS < 0 || mqttQoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", mqttQoS)
	}
	addrs, err := targetAddresses(subscribeNodeIDs, subscribePath)
	if err != nil {
		return err
	}

	logger := newLogger()
	var fwd *mqttForwarder
	if mqttBroker != "" {
		if fwd, err = newMQTTForwarder(mqttBroker, mqttTopic, byte(mqttQoS), logger); err != nil {
			return err
		}
		defer fwd.close()
		fmt.Printf("Forwarding to %s (topic prefix %s)\n", mqttBroker, mqttTopic)
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := uaf.NewClient(uaf.WithSettings(s), uaf.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	lines := make(chan string, 256)
	emit := func(line string) {
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	}

	var (
		mu           sync.RWMutex
		handleToNode = make(map[uaf.ClientHandle]string)
	)
	nodeOf := func(h uaf.ClientHandle) string {
		mu.RLock()
		defer mu.RUnlock()
		if n, ok := handleToNode[h]; ok {
			return n
		}
		return fmt.Sprintf("handle=%d", h)
	}

	client.OnConnectionStatusChange(uaf.NotificationFilter{}, uaf.ExternalSink(func(n uaf.ConnectionStatusChange) {
		emit(fmt.Sprintf("connection %d to %s: %s -> %s (%s)", n.ConnectionID, n.ServerURI, n.Previous, n.Current, n.Status))
	}))
	client.OnSubscriptionStatusChange(uaf.NotificationFilter{}, uaf.ExternalSink(func(n uaf.SubscriptionStatusChange) {
		emit(fmt.Sprintf("subscription %d on %s: %s (%s)", n.SubscriptionHandle, n.ServerURI, n.State, n.Status))
	}))
	client.OnNotificationsMissing(uaf.NotificationFilter{}, uaf.ExternalSink(func(n uaf.NotificationsMissing) {
		emit(fmt.Sprintf("subscription %d on %s: notifications %d..%d lost", n.SubscriptionHandle, n.ServerURI, n.PreviousSequenceNumber+1, n.NewSequenceNumber-1))
	}))

	subSettings := &uaf.SubscriptionSettings{PublishingInterval: publishInterval}

	var res *uaf.MonitoredItemsResult
	if subscribeEvents {
		req := &uaf.MonitoredEventRequest{
			Targets:      make([]uaf.MonitoredEventTarget, len(addrs)),
			Subscription: subSettings,
			Sink: uaf.ExternalSink(func(n uaf.EventNotification) {
				node := nodeOf(n.ClientHandle)
				if fwd != nil {
					fwd.event(node, n)
				}
				fields := make([]string, len(n.Fields))
				for i, f := range n.Fields {
					fields[i] = formatValue(f)
				}
				emit(fmt.Sprintf("%s event: %s", node, strings.Join(fields, " | ")))
			}),
		}
		for i, a := range addrs {
			req.Targets[i] = uaf.MonitoredEventTarget{Address: a, SamplingInterval: sampleInterval, QueueSize: subscribeQueue}
		}
		res, err = client.CreateMonitoredEvents(ctx, req)
	} else {
		req := &uaf.MonitoredDataRequest{
			Targets:      make([]uaf.MonitoredDataTarget, len(addrs)),
			Subscription: subSettings,
			Sink: uaf.ExternalSink(func(n uaf.DataChangeNotification) {
				node := nodeOf(n.ClientHandle)
				if fwd != nil {
					fwd.dataChange(node, n)
				}
				emit(fmt.Sprintf("%s = %s (%s)", node, formatValue(n.Value.Value), n.Value.Status))
			}),
		}
		for i, a := range addrs {
			req.Targets[i] = uaf.MonitoredDataTarget{
				Address:          a,
				SamplingInterval: sampleInterval,
				QueueSize:        subscribeQueue,
				DiscardOldest:    true,
				MonitoringMode:   ua.MonitoringModeReporting,
			}
		}
		res, err = client.CreateMonitoredData(ctx, req)
	}
	var itemsErr *uaf.MonitoredItemsError
	if err != nil && !errors.As(err, &itemsErr) {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}

	mu.Lock()
	for i, t := range res.Targets {
		handleToNode[t.ClientHandle] = subscribeNodeIDs[i]
	}
	mu.Unlock()

	fmt.Printf("Monitoring %d nodes:\n", len(res.Targets))
	for i, t := range res.Targets {
		if t.State == uaf.Created {
			fmt.Printf("  [%d] %s (handle %d, sampling %s, queue %d)\n",
				i+1, subscribeNodeIDs[i], t.ClientHandle, t.RevisedSamplingInterval, t.RevisedQueueSize)
			continue
		}
		reason := t.Status.String()
		if t.Err != nil {
			reason = t.Err.Error()
		}
		fmt.Printf("  [%d] %s (handle %d, not created yet: %s)\n", i+1, subscribeNodeIDs[i], t.ClientHandle, reason)
	}
	fmt.Print("\nWaiting for data changes (Ctrl+C to stop)...\n\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived interrupt, stopping...")
			return nil
		case line := <-lines:
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), line)
		}
	}
}
