package forwarder

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = filepath.Join(GinkgoT().TempDir(), "attachments")
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should create the directory", func() {
		Expect(tmpDir).To(BeADirectory())
	})

	Describe("Save", func() {
		It("should write the file and return its name", func() {
			name, err := storage.Save("id-1_receipt.pdf", []byte("%PDF"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("id-1_receipt.pdf"))
			Expect(filepath.Join(tmpDir, name)).To(BeAnExistingFile())
		})

		It("should keep names inside the directory", func() {
			name, err := storage.Save("../escape.pdf", []byte("%PDF"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("escape.pdf"))
			Expect(filepath.Join(tmpDir, "escape.pdf")).To(BeAnExistingFile())
			Expect(filepath.Join(filepath.Dir(tmpDir), "escape.pdf")).NotTo(BeAnExistingFile())
		})
	})

	Describe("Get", func() {
		It("should read a saved file", func() {
			_, err := storage.Save("a.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
			data, err := storage.Get("a.pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("content")))
		})

		It("should fail for a missing file", func() {
			_, err := storage.Get("missing.pdf")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("should remove the file", func() {
			_, err := storage.Save("a.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete("a.pdf")).To(Succeed())
			Expect(filepath.Join(tmpDir, "a.pdf")).NotTo(BeAnExistingFile())
		})

		It("should fail for a missing file", func() {
			Expect(storage.Delete("missing.pdf")).NotTo(Succeed())
		})
	})
})
