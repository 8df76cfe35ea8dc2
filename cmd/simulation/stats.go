package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// routeStats tracks handling time for one endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

type statsRecorder struct {
	mu     sync.Mutex
	routes map[string]*routeStats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{routes: make(map[string]*routeStats)}
}

// middleware records every matched route
func (s *statsRecorder) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		name := c.Request.Method + " " + c.FullPath()
		if c.FullPath() == "" {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rs, ok := s.routes[name]
		if !ok {
			rs = &routeStats{name: name}
			s.routes[name] = rs
		}
		rs.add(time.Since(start), c.Writer.Status() >= 400)
	}
}

func (s *statsRecorder) print() {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.routes))
	for name := range s.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nRoute statistics")
	fmt.Println(strings.Repeat("-", 120))
	fmt.Printf("%-40s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Route", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 120))
	for _, name := range names {
		rs := s.routes[name]
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-40s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 120))
}
