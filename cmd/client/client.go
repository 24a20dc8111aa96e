package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"hati/internal/common"
	hatiNet "hati/internal/net"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	action := flag.String("action", "place", "Action to perform: ['place', 'heartbeat']")

	// Order Parameters
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	price := flag.Int64("price", 50, "Price level")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")
	ttl := flag.Uint("ttl", 10, "Time to live in seconds")
	firstID := flag.Uint64("id", 1, "Identifier of the first order, incremented per quantity")

	wait := flag.Duration("wait", 0, "How long to listen for reports (0 waits forever)")

	flag.Parse()

	side, err := common.ParseSide(*sideStr)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n", *serverAddr)

	// Start Listening for Reports (Async)
	go readReports(conn)

	// Execute Action
	switch strings.ToLower(*action) {
	case "place":
		id := *firstID
		for _, q := range parseQuantities(*qtyStr) {
			msg := hatiNet.NewOrderMessage{
				Side:     side,
				Price:    *price,
				Quantity: q,
				TTL:      uint32(*ttl),
				ID:       id,
			}
			if _, err := conn.Write(hatiNet.EncodeNewOrder(msg)); err != nil {
				log.Printf("Failed to place order (Qty: %d): %v", q, err)
			} else {
				fmt.Printf("-> Sent %s order #%d: %d @ %d\n", side, id, q, *price)
			}
			id++
		}

	case "heartbeat":
		if _, err := conn.Write(hatiNet.EncodeHeartbeat()); err != nil {
			log.Printf("Failed to send heartbeat: %v", err)
		} else {
			fmt.Println("-> Sent Heartbeat")
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	// Keep the client alive to receive execution reports
	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	if *wait > 0 {
		time.Sleep(*wait)
		return
	}
	select {}
}

// parseQuantities splits a comma-separated string into a slice of uint64
func parseQuantities(input string) []uint64 {
	parts := strings.Split(input, ",")
	var result []uint64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseUint(p, 10, 64); err == nil {
			result = append(result, val)
		} else {
			log.Printf("Skipping invalid quantity %q", p)
		}
	}
	return result
}

// readReports continuously reads and prints reports from the server
func readReports(conn net.Conn) {
	for {
		report, err := hatiNet.ReadReport(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Connection lost: %v", err)
			}
			os.Exit(0)
		}

		at := time.Unix(0, int64(report.Timestamp)).Format(time.TimeOnly)
		switch report.MessageType {
		case hatiNet.ErrorReport:
			fmt.Printf("\n[SERVER ERROR] %s order #%d: %s\n", at, report.OrderID, report.Err)
		case hatiNet.AcceptReport:
			fmt.Printf("\n[ACCEPTED] %s %s #%d | Qty: %d | Price: %d\n",
				at, report.Side, report.OrderID, report.Quantity, report.Price)
		default:
			fmt.Printf("\n[EXECUTION] %s %s #%d | Qty: %d | Price: %d | vs: #%d\n",
				at, report.Side, report.OrderID, report.Quantity, report.Price, report.CounterpartyID)
		}
	}
}
