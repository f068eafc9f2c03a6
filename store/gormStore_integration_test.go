package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/audit"
	"github.com/mmdatafocus/bookkeeping_core/compliance"
	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/ledger"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/period"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/shopspring/decimal"
)

func TestGormStore_ConcurrentPostingKeepsSequenceAndChain(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	db, err := config.OpenDatabase(fmt.Sprintf("root:testpw@tcp(127.0.0.1:%s)/bookkeeping_test?parseTime=true&charset=utf8mb4&loc=UTC", mysqlPort))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s := store.NewGormStore(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	chain := audit.NewChain(s, nil)
	periods := period.NewManager(s, chain)
	engine := compliance.NewEngine(compliance.Deps{Reader: s})
	l := ledger.NewService(s, chain, periods, engine, ledger.Options{})

	const workers, perWorker = 8, 5
	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.Create(ctx, &models.NewVerification{
					BusinessId:  "biz-1",
					Date:        time.Date(2025, 3, 1+i, 0, 0, 0, 0, time.UTC),
					Description: fmt.Sprintf("Kvitto %d-%d", w, i),
					TotalAmount: decimal.NewFromInt(100),
					Entries: []models.NewEntry{
						{Account: "5410", Debit: decimal.NewFromInt(100)},
						{Account: "1930", Credit: decimal.NewFromInt(100)},
					},
				})
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("create: %v", err)
	}

	vs, err := s.ListVerifications(ctx, store.VerificationFilter{BusinessId: "biz-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vs) != workers*perWorker {
		t.Fatalf("expected %d verifications, got %d", workers*perWorker, len(vs))
	}
	seqs := make([]int64, 0, len(vs))
	for _, v := range vs {
		seqs = append(seqs, v.ImmutableSeq)
		if len(v.Entries) != 2 {
			t.Fatalf("verification %d has %d entries", v.ID, len(v.Entries))
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence is not gapless: position %d holds %d", i, seq)
		}
	}

	report, err := chain.Verify(ctx)
	if err != nil || !report.Valid || report.Length != int64(workers*perWorker) {
		t.Fatalf("chain: %+v %v", report, err)
	}

	first, err := l.Reverse(ctx, vs[0].ID, "dubblett")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	again, err := l.Reverse(ctx, vs[0].ID, "igen")
	if err != nil || again.Verification.ID != first.Verification.ID {
		t.Fatalf("expected the existing reversal back, got %+v %v", again, err)
	}

	if _, err := periods.Lock(ctx, "biz-1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = l.Create(ctx, &models.NewVerification{
		BusinessId:  "biz-1",
		Date:        time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		TotalAmount: decimal.NewFromInt(1),
		Entries: []models.NewEntry{
			{Account: "5410", Debit: decimal.NewFromInt(1)},
			{Account: "1930", Credit: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, models.ErrPeriodLocked) {
		t.Fatalf("expected ErrPeriodLocked, got %v", err)
	}

	// postings racing a lock of their period either commit before the lock
	// or are refused
	var lock *models.PeriodLock
	var lockErr error
	var rw sync.WaitGroup
	raceErrs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		rw.Add(1)
		go func(i int) {
			defer rw.Done()
			_, err := l.Create(ctx, &models.NewVerification{
				BusinessId:  "biz-2",
				Date:        time.Date(2025, 4, 1+i, 0, 0, 0, 0, time.UTC),
				TotalAmount: decimal.NewFromInt(10),
				Entries: []models.NewEntry{
					{Account: "5410", Debit: decimal.NewFromInt(10)},
					{Account: "1930", Credit: decimal.NewFromInt(10)},
				},
			})
			if err != nil && !errors.Is(err, models.ErrPeriodLocked) {
				raceErrs <- err
			}
		}(i)
		if i == 10 {
			rw.Add(1)
			go func() {
				defer rw.Done()
				lock, lockErr = periods.Lock(ctx, "biz-2", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC))
			}()
		}
	}
	rw.Wait()
	close(raceErrs)
	for err := range raceErrs {
		t.Fatalf("racing create: %v", err)
	}
	if lockErr != nil {
		t.Fatalf("racing lock: %v", lockErr)
	}

	links, err := s.ListAuditLinks(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("audit links: %v", err)
	}
	var lockSeq int64
	linkSeq := map[string]int64{}
	for _, link := range links {
		linkSeq[link.Target] = link.Seq
		if link.Target == models.PeriodLockTarget(lock.ID) {
			lockSeq = link.Seq
		}
	}
	if lockSeq == 0 {
		t.Fatalf("period lock has no audit link")
	}
	april, err := s.ListVerifications(ctx, store.VerificationFilter{BusinessId: "biz-2"})
	if err != nil {
		t.Fatalf("list biz-2: %v", err)
	}
	for _, v := range april {
		if seq := linkSeq[models.VerificationTarget(v.ID)]; seq == 0 || seq > lockSeq {
			t.Fatalf("verification %d dated %s was posted after the lock (link %d, lock %d)",
				v.ID, v.Date.Format("2006-01-02"), seq, lockSeq)
		}
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("bookkeeping-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=bookkeeping_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
