package integration

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/cloudkv/internal/config"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/memory"
	"github.com/stacklok/cloudkv/internal/status"
	"github.com/stacklok/cloudkv/test-integration/cloudkv/helpers"
)

var _ = Describe("Replicated Change Events", Label("memory"), func() {
	var (
		store        *memory.Store
		serverHelper *helpers.ServerTestHelper
	)

	start := func(syncCfg *config.SyncConfig, opts ...memory.Option) {
		store = memory.New(opts...)

		var err error
		serverHelper, err = helpers.NewMemoryServerTestHelper(ctx, store, syncCfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	}

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
	})

	It("should finish the startup sync when the initial sync event arrives", func() {
		start(&config.SyncConfig{PollInterval: "10ms", Timeout: "5s"})

		Expect(store.ApplyExternalChange(kv.ReasonInitialSyncChange, map[string]any{"theme": "dark"})).To(Succeed())

		st := serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseComplete, status.SyncPhaseAlreadyComplete)
		Expect(st.InitialSyncCompleted).To(BeTrue())

		keys, err := serverHelper.Keys()
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(Equal([]string{"theme"}))
	})

	It("should keep waiting through other change reasons", func() {
		start(&config.SyncConfig{PollInterval: "10ms", Timeout: "200ms"})

		Expect(store.ApplyExternalChange(kv.ReasonServerChange, map[string]any{"a": int64(1)})).To(Succeed())
		Expect(store.ApplyExternalChange(kv.ReasonAccountChange, nil)).To(Succeed())

		st := serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseTimedOut)
		Expect(st.InitialSyncCompleted).To(BeFalse())
	})

	It("should not wait when the store rejects the flush", func() {
		start(&config.SyncConfig{PollInterval: "10ms", Timeout: "5s"}, memory.WithSynchronizeResult(false))

		serverHelper.WaitForSyncPhase(time.Second, status.SyncPhaseFlushRejected)

		began := time.Now()
		st, err := serverHelper.Sync()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Phase).To(Equal(status.SyncPhaseFlushRejected))
		Expect(time.Since(began)).To(BeNumerically("<", time.Second))
	})
})
