package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/symbols"
	"gitlab.com/akita/offload/threadpool"
)

var _ = Describe("Server", func() {
	var (
		h    *host
		ch   *protocol.Channel
		srv  *Server
		done chan error
	)

	BeforeEach(func() {
		h = newHost()
		ch = protocol.NewChannel()
		srv = NewServer(ch, h.disp)
		done = make(chan error, 1)
		go func() { done <- srv.Serve(context.Background()) }()
	})

	AfterEach(func() {
		ch.Close()
		h.dev.Close()
	})

	It("should answer requests until break", func() {
		ctx := context.Background()

		addr, err := ch.Call(ctx, protocol.NewMessage(protocol.OpAlloc, 64))
		Expect(err).NotTo(HaveOccurred())
		Expect(addr).NotTo(BeZero())

		ret, err := ch.Call(ctx, protocol.NewMessage(protocol.OpFree, addr))
		Expect(err).NotTo(HaveOccurred())
		Expect(ret).To(BeZero())

		_, err = ch.Call(ctx, protocol.NewMessage(protocol.OpBreak))
		Expect(err).NotTo(HaveOccurred())
		Expect(<-done).To(Succeed())
		Expect(ch.Pending()).To(Equal(protocol.OpNone))
	})

	It("should end when the channel closes", func() {
		ch.Close()
		Expect(<-done).To(Succeed())
	})
})

var _ = Describe("DebugHandler", func() {
	var (
		h      *host
		server *httptest.Server
	)

	BeforeEach(func() {
		h = newHost()
		server = httptest.NewServer(NewDebugHandler(h.disp))
	})

	AfterEach(func() {
		server.Close()
		h.dev.Close()
	})

	get := func(path string, v interface{}) int {
		rsp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		if rsp.StatusCode == http.StatusOK && v != nil {
			Expect(json.NewDecoder(rsp.Body).Decode(v)).To(Succeed())
		}
		return rsp.StatusCode
	}

	It("should list modules", func() {
		h.loadKernel("add_one")
		h.loadKernel("add_one_shared")

		var list []moduleInfo
		Expect(get("/modules", &list)).To(Equal(http.StatusOK))
		Expect(list).To(HaveLen(2))
		Expect(list[0].Name).To(Equal("add_one"))
		Expect(list[1].Kind).To(Equal("shared"))
	})

	It("should look up symbols", func() {
		handle := h.loadKernel("add_one")
		want := h.entry(handle, "add_one")

		var sym map[string]string
		Expect(get("/modules/1/symbols/add_one", &sym)).To(Equal(http.StatusOK))
		Expect(sym["addr"]).To(Equal(formatAddr(want)))

		Expect(get("/modules/1/symbols/nothing", nil)).To(Equal(http.StatusNotFound))
		Expect(get("/modules/7/symbols/add_one", nil)).To(Equal(http.StatusNotFound))
	})

	It("should report pool and power", func() {
		var pool threadpool.Stats
		Expect(get("/pool", &pool)).To(Equal(http.StatusOK))
		Expect(pool.Slots).To(Equal(threadpool.DefaultSlots))

		var pw map[string]interface{}
		Expect(get("/power", &pw)).To(Equal(http.StatusOK))
		Expect(pw).To(HaveKeyWithValue("count", BeNumerically("==", 0)))

		var heap devicemem.HeapStats
		Expect(get("/heap", &heap)).To(Equal(http.StatusOK))
		Expect(heap.Capacity).To(BeNumerically(">", 0))
	})

	It("should read device memory", func() {
		var dump map[string]string
		Expect(get("/memory/0x10000/8", &dump)).To(Equal(http.StatusOK))
		Expect(dump["data"]).To(HaveLen(16))
		Expect(dump["addr"]).To(Equal(formatAddr(symbols.ROMBase)))

		Expect(get("/memory/0/4", nil)).To(Equal(http.StatusNotFound))
		Expect(get("/memory/zz/4", nil)).To(Equal(http.StatusBadRequest))
		Expect(get("/memory/0x10000/999999", nil)).To(Equal(http.StatusBadRequest))
	})

	It("should reject other methods", func() {
		rsp, err := http.Post(server.URL+"/modules", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
	})
})
