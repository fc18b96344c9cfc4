/*
Package fchecker detects failed cluster members with UDP heartbeats.

Every member runs a responder that acks heartbeats, and monitors its peers
by sending them heartbeats. A peer that misses LostMsgThresh consecutive
heartbeats is reported once on the notify channel.
*/
package fchecker

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Heartbeat message.
type HBeatMessage struct {
	EpochNonce uint64 // Identifies this fchecker instance/epoch.
	SeqNum     uint64 // Unique for each heartbeat in an epoch.
}

// An ack message; response to a heartbeat.
type AckMessage struct {
	HBEatEpochNonce uint64 // Copy of what was received in the heartbeat.
	HBEatSeqNum     uint64 // Copy of what was received in the heartbeat.
}

// Notification of a failure.
type FailureDetected struct {
	Rank      uint32
	UDPIpPort string    // The RemoteIP:RemotePort of the failed node.
	Timestamp time.Time // The time when the failure was detected.
}

type Peer struct {
	Rank uint32
	Addr string
}

const (
	DefaultRTT           = 500 * time.Millisecond
	DefaultLostMsgThresh = 5
)

type StartStruct struct {
	AckLocalIPAckLocalPort string
	EpochNonce             uint64
	Peers                  []Peer
	LostMsgThresh          uint8
	ServerId               uint32
	// RTT is the initial round trip estimate and the floor of the ack
	// timeout.
	RTT time.Duration
	Log *zap.Logger
}

type Checker struct {
	arg    StartStruct
	log    *zap.Logger
	conn   *net.UDPConn
	notify chan FailureDetected
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func writeMessage(msg interface{}, conn *net.UDPConn, to *net.UDPAddr) error {
	var msgBuf bytes.Buffer
	if err := gob.NewEncoder(&msgBuf).Encode(msg); err != nil {
		return errors.Wrap(err, "fcheck: encode")
	}
	var err error
	if to == nil {
		_, err = conn.Write(msgBuf.Bytes())
	} else {
		_, err = conn.WriteToUDP(msgBuf.Bytes(), to)
	}
	return errors.Wrap(err, "fcheck: UDP write")
}

func decodeAck(b []byte, ack *AckMessage) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(ack)
}

// Start listens for heartbeats on AckLocalIPAckLocalPort and starts
// monitoring every peer.
func Start(arg StartStruct) (*Checker, error) {
	if arg.RTT <= 0 {
		arg.RTT = DefaultRTT
	}
	if arg.LostMsgThresh == 0 {
		arg.LostMsgThresh = DefaultLostMsgThresh
	}
	if arg.Log == nil {
		arg.Log = zap.NewNop()
	}
	addr, err := net.ResolveUDPAddr("udp", arg.AckLocalIPAckLocalPort)
	if err != nil {
		return nil, errors.Wrapf(err, "fcheck: resolve %s", arg.AckLocalIPAckLocalPort)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "fcheck: listen %s", arg.AckLocalIPAckLocalPort)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		arg:    arg,
		log:    arg.Log.With(zap.Uint32("server", arg.ServerId)),
		conn:   conn,
		notify: make(chan FailureDetected, len(arg.Peers)),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1 + len(arg.Peers))
	go c.respond()
	for _, p := range arg.Peers {
		go c.monitor(p)
	}
	c.log.Info("fcheck started", zap.String("addr", conn.LocalAddr().String()), zap.Int("peers", len(arg.Peers)))
	return c, nil
}

func (c *Checker) Addr() string { return c.conn.LocalAddr().String() }

func (c *Checker) Notify() <-chan FailureDetected { return c.notify }

// Stop stops responding and monitoring. Pending notifications stay
// readable.
func (c *Checker) Stop() {
	c.once.Do(func() {
		c.cancel()
		c.conn.Close()
		c.wg.Wait()
		c.log.Info("fcheck stopped")
	})
}

func (c *Checker) respond() {
	defer c.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("heartbeat read failed", zap.Error(err))
			}
			return
		}
		var hb HBeatMessage
		if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&hb); err != nil {
			c.log.Debug("dropping malformed heartbeat", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		ack := AckMessage{HBEatEpochNonce: hb.EpochNonce, HBEatSeqNum: hb.SeqNum}
		if err := writeMessage(ack, c.conn, src); err != nil && c.ctx.Err() == nil {
			c.log.Debug("ack write failed", zap.Stringer("to", src), zap.Error(err))
		}
	}
}

// sleep waits for d unless the checker stops first.
func (c *Checker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Checker) timeout(rtt time.Duration) time.Duration {
	if t := 2 * rtt; t > c.arg.RTT {
		return t
	}
	return c.arg.RTT
}

func (c *Checker) monitor(p Peer) {
	defer c.wg.Done()
	log := c.log.With(zap.Uint32("peer", p.Rank), zap.String("addr", p.Addr))
	remote, err := net.ResolveUDPAddr("udp", p.Addr)
	if err != nil {
		log.Error("cannot resolve peer", zap.Error(err))
		c.report(p)
		return
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		log.Error("cannot dial peer", zap.Error(err))
		c.report(p)
		return
	}
	defer conn.Close()

	var (
		lostMsgs uint8
		seqNum   uint64
		rtt      = c.arg.RTT
		buf      = make([]byte, 1024)
	)
	for c.ctx.Err() == nil {
		seqNum++
		sent := time.Now()
		deadline := sent.Add(c.timeout(rtt))
		acked := false
		if err := writeMessage(HBeatMessage{EpochNonce: c.arg.EpochNonce, SeqNum: seqNum}, conn, nil); err != nil {
			log.Debug("heartbeat write failed", zap.Error(err))
		}
		for !acked && time.Now().Before(deadline) {
			conn.SetReadDeadline(deadline)
			n, err := conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break
				}
				// Refused ports surface as read errors; wait out the beat.
				if !c.sleep(time.Until(deadline)) {
					return
				}
				break
			}
			var ack AckMessage
			if decodeAck(buf[:n], &ack) != nil {
				continue
			}
			if ack.HBEatEpochNonce == c.arg.EpochNonce && ack.HBEatSeqNum == seqNum {
				acked = true
				rtt = (rtt + time.Since(sent)) / 2
			}
		}
		if c.ctx.Err() != nil {
			return
		}
		if acked {
			lostMsgs = 0
			if !c.sleep(rtt) {
				return
			}
			continue
		}
		lostMsgs++
		log.Debug("heartbeat lost", zap.Uint8("lost", lostMsgs), zap.Uint8("thresh", c.arg.LostMsgThresh))
		if lostMsgs >= c.arg.LostMsgThresh {
			c.report(p)
			return
		}
	}
}

func (c *Checker) report(p Peer) {
	c.log.Warn("failure detected", zap.Uint32("peer", p.Rank), zap.String("addr", p.Addr))
	c.notify <- FailureDetected{Rank: p.Rank, UDPIpPort: p.Addr, Timestamp: time.Now()}
}
