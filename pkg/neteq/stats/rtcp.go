// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// ReportBuilder derives RTCP receiver reports from the packets the engine
// accepts. Loss and jitter follow RFC 3550: cumulative loss from the extended
// sequence range, fraction lost per reporting interval, interarrival jitter
// smoothed by 1/16.
type ReportBuilder struct {
	lock sync.Mutex

	receiverSSRC uint32
	mediaSSRC    uint32
	clockRate    uint32

	initialized bool
	baseSeq     uint16
	cycles      uint32
	highestSeq  uint16
	received    uint32

	expectedPrior uint32
	receivedPrior uint32

	jitter      float64
	lastTransit int64

	lastSRNTP  uint32
	lastSRTime time.Time
}

func NewReportBuilder(receiverSSRC, clockRate uint32) *ReportBuilder {
	return &ReportBuilder{
		receiverSSRC: receiverSSRC,
		clockRate:    clockRate,
	}
}

// PacketReceived updates the sequence and jitter state for one accepted packet.
func (b *ReportBuilder) PacketReceived(seq uint16, timestamp uint32, ssrc uint32, arrival time.Time) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.initialized {
		b.initialized = true
		b.mediaSSRC = ssrc
		b.baseSeq = seq
		b.highestSeq = seq
		b.received = 1
		b.lastTransit = b.transit(timestamp, arrival)
		return
	}

	b.received++

	// extended highest sequence, wraparound aware
	if seq != b.highestSeq && seq-b.highestSeq < 0x8000 {
		if seq < b.highestSeq {
			b.cycles++
		}
		b.highestSeq = seq
	}

	transit := b.transit(timestamp, arrival)
	d := transit - b.lastTransit
	b.lastTransit = transit
	if d < 0 {
		d = -d
	}
	b.jitter += (float64(d) - b.jitter) / 16.0
}

// SetLastSenderReport records the middle 32 bits of the most recent SR's NTP
// timestamp for DLSR computation.
func (b *ReportBuilder) SetLastSenderReport(ntpMiddle uint32, at time.Time) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.lastSRNTP = ntpMiddle
	b.lastSRTime = at
}

// Build produces a receiver report for the current interval. The interval
// loss window resets on each call.
func (b *ReportBuilder) Build() *rtcp.ReceiverReport {
	b.lock.Lock()
	defer b.lock.Unlock()

	rr := &rtcp.ReceiverReport{SSRC: b.receiverSSRC}
	if !b.initialized {
		return rr
	}

	extended := b.cycles<<16 | uint32(b.highestSeq)
	expected := extended - uint32(b.baseSeq) + 1

	var lost uint32
	if expected > b.received {
		lost = expected - b.received
	}
	if lost > 0x7fffff {
		lost = 0x7fffff
	}

	expectedInterval := expected - b.expectedPrior
	receivedInterval := b.received - b.receivedPrior
	b.expectedPrior = expected
	b.receivedPrior = b.received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8(((expectedInterval - receivedInterval) << 8) / expectedInterval)
	}

	var dlsr uint32
	if !b.lastSRTime.IsZero() {
		dlsr = uint32(time.Since(b.lastSRTime).Seconds() * 65536.0)
	}

	rr.Reports = []rtcp.ReceptionReport{{
		SSRC:               b.mediaSSRC,
		FractionLost:       fraction,
		TotalLost:          lost,
		LastSequenceNumber: extended,
		Jitter:             uint32(b.jitter),
		LastSenderReport:   b.lastSRNTP,
		Delay:              dlsr,
	}}
	return rr
}

// Reset clears sequence tracking for a new stream epoch.
func (b *ReportBuilder) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.initialized = false
	b.cycles = 0
	b.received = 0
	b.expectedPrior = 0
	b.receivedPrior = 0
	b.jitter = 0
	b.lastTransit = 0
}

// transit converts arrival wall time to media clock units and subtracts the
// RTP timestamp. Seconds and nanoseconds are scaled separately so the
// product stays within int64.
func (b *ReportBuilder) transit(timestamp uint32, arrival time.Time) int64 {
	rate := int64(b.clockRate)
	arrivalTS := arrival.Unix()*rate + int64(arrival.Nanosecond())*rate/int64(time.Second)
	return arrivalTS - int64(timestamp)
}
