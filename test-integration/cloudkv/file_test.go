package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/cloudkv/internal/kv/file"
	"github.com/stacklok/cloudkv/internal/status"
	"github.com/stacklok/cloudkv/test-integration/cloudkv/helpers"
)

var _ = Describe("File Store Integration", Label("file"), func() {
	var (
		tempDir      string
		configFile   string
		documentPath string
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("cloudkv-file-test-")
		configFile, documentPath = helpers.WriteFileConfigYAML(tempDir, "prefs", "300ms")

		var err error
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())

		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	Context("Reading and writing values", func() {
		It("should round trip values over HTTP", func() {
			resp, err := serverHelper.SetValue("theme", "dark")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = serverHelper.SetValue("volume", 11)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			keys, err := serverHelper.Keys()
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(Equal([]string{"theme", "volume"}))

			resp, err = serverHelper.RemoveValue("theme")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = serverHelper.GetValue("theme")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should refuse writes to reserved keys", func() {
			resp, err := serverHelper.SetValue("__cloudkv.initialCloudSyncCompleted", true)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Context("Initial cloud sync", func() {
		It("should time out while no other device has written", func() {
			st := serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseTimedOut)
			Expect(st.InitialSyncCompleted).To(BeFalse())
			Expect(st.AttemptCount).To(Equal(1))
		})

		It("should complete once data replicated from another device shows up", func() {
			serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseTimedOut)

			By("writing the document as another device would")
			other, err := file.Open(documentPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Set(ctx, "wallpaper", "mountains")).To(Succeed())
			Expect(other.Synchronize(ctx)).To(BeTrue())
			Expect(other.Close()).To(Succeed())

			st, err := serverHelper.Sync()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Phase).To(BeElementOf(status.SyncPhaseComplete, status.SyncPhaseAlreadyComplete))
			Expect(st.InitialSyncCompleted).To(BeTrue())

			keys, err := serverHelper.Keys()
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(ContainElement("wallpaper"))

			By("syncing again without waiting")
			st, err = serverHelper.Sync()
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Phase).To(Equal(status.SyncPhaseAlreadyComplete))
		})
	})
})

var _ = Describe("File Store Initial Sync During Startup", Label("file"), func() {
	var (
		tempDir      string
		configFile   string
		documentPath string
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("cloudkv-file-startup-test-")
		configFile, documentPath = helpers.WriteFileConfigYAML(tempDir, "prefs", "10s")

		var err error
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	It("should end the startup wait as soon as another device writes", func() {
		serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseWaiting)

		By("writing the document as another device would")
		began := time.Now()
		other, err := file.Open(documentPath, file.WithWatchInterval(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Set(ctx, "wallpaper", "mountains")).To(Succeed())
		Expect(other.Synchronize(ctx)).To(BeTrue())
		Expect(other.Close()).To(Succeed())

		st := serverHelper.WaitForSyncPhase(5*time.Second, status.SyncPhaseComplete)
		Expect(st.InitialSyncCompleted).To(BeTrue())
		Expect(time.Since(began)).To(BeNumerically("<", 5*time.Second))

		By("finding the durable flag in the document")
		reader, err := file.Open(documentPath, file.WithWatchInterval(0))
		Expect(err).NotTo(HaveOccurred())
		flag, ok, err := reader.Get(ctx, "__cloudkv.initialCloudSyncCompleted")
		Expect(err).NotTo(HaveOccurred())
		Expect(reader.Close()).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(flag).To(Equal(true))

		By("restarting without waiting")
		Expect(serverHelper.StopServer()).To(Succeed())
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		st = serverHelper.WaitForSyncPhase(2*time.Second, status.SyncPhaseAlreadyComplete)
		Expect(st.InitialSyncCompleted).To(BeTrue())
	})
})
