package wxvault

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wxvault/wxvault/internal/account"
	"github.com/wxvault/wxvault/internal/mediafile"
)

const (
	testFriend = "wxid_friend01"
	testSelf   = "wxid_me"
	testRoom   = "12007002388@chatroom"
	testImgMD5 = "aabbccdd00112233aabbccdd00112233"
	testXORKey = 0x5a
)

var testJPEG = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0x42}, 16)...)

// buildStoreFile writes a v3-layout store into dir and returns its path.
func buildStoreFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "decrypted.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`CREATE TABLE Contact (UserName TEXT PRIMARY KEY, Alias TEXT, Remark TEXT,
			NickName TEXT, Type INTEGER)`,
		`CREATE TABLE Session (strUsrName TEXT PRIMARY KEY, nOrder INTEGER,
			strNickName TEXT, strContent TEXT, nUnReadCount INTEGER, nTime INTEGER)`,
		`CREATE TABLE MSG (localId INTEGER PRIMARY KEY, MsgSvrID INTEGER,
			Sequence INTEGER, Type INTEGER, SubType INTEGER, IsSender INTEGER,
			CreateTime INTEGER, StrTalker TEXT, StrContent TEXT,
			CompressContent BLOB, BytesExtra BLOB)`,
		`CREATE TABLE ChatRoom (ChatRoomName TEXT PRIMARY KEY, UserNameList TEXT,
			RoomData BLOB)`,
		`CREATE TABLE HardLinkImageAttribute2 (Md5Hash INTEGER, MD5 BLOB,
			FileName TEXT, ModifyTime INTEGER, DirID1 INTEGER, DirID2 INTEGER)`,
		`CREATE TABLE HardLinkImageID (DirID INTEGER PRIMARY KEY, Dir TEXT)`,
		`CREATE TABLE HardLinkVideoAttribute2 (Md5Hash INTEGER, MD5 BLOB,
			FileName TEXT, ModifyTime INTEGER, DirID1 INTEGER, DirID2 INTEGER)`,
		`CREATE TABLE HardLinkVideoID (DirID INTEGER PRIMARY KEY, Dir TEXT)`,

		`INSERT INTO Contact VALUES ('wxid_friend01', 'cat', 'Old Cat', 'Catto', 3)`,
		`INSERT INTO Contact VALUES ('wxid_me', '', '', 'Me', 1)`,
		`INSERT INTO Contact VALUES ('12007002388@chatroom', '', '', 'Fish Group', 2)`,

		`INSERT INTO Session VALUES ('wxid_friend01', 2, 'Friend', 'hi back', 1, 1700000200)`,
		`INSERT INTO Session VALUES ('12007002388@chatroom', 1, 'Fish Group', 'ok', 0, 1600000000)`,

		`INSERT INTO MSG VALUES (1, 9001, 1, 1, 0, 0, 1700000100, 'wxid_friend01', 'hello', NULL, NULL)`,
		`INSERT INTO MSG VALUES (2, 9002, 2, 1, 0, 1, 1700000150, 'wxid_friend01', 'hi back', NULL, NULL)`,
		`INSERT INTO MSG VALUES (3, 9003, 3, 3, 0, 0, 1700000050, 'wxid_friend01',
			'<msg><img md5="aabbccdd00112233aabbccdd00112233" length="27"/></msg>', NULL, NULL)`,

		`INSERT INTO HardLinkImageID VALUES (1, 'a1b2'), (2, '2024-01')`,
		`INSERT INTO HardLinkImageAttribute2 VALUES (0, 'aabbccdd00112233aabbccdd00112233',
			'img001.dat', 1700000000, 1, 2)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// buildAccountTree lays out a complete decrypted account: the store
// under Msg/, the sidecar next to it, and one obfuscated image in the
// media tree.
func buildAccountTree(t *testing.T) (storePath, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()

	msgDir := filepath.Join(dataDir, "Msg")
	if err := os.MkdirAll(msgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	storePath = buildStoreFile(t, msgDir)

	info := account.New()
	info.WXID = testSelf
	info.Name = "Me"
	info.DataDir = dataDir
	info.Version = "v3"
	info.XORKey = testXORKey
	if err := account.Save(msgDir, info); err != nil {
		t.Fatal(err)
	}

	imgDir := filepath.Join(dataDir, "FileStorage", "MsgAttach", "a1b2", "Image", "2024-01")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	obfuscated := mediafile.XORBytes(testJPEG, testXORKey)
	if err := os.WriteFile(filepath.Join(imgDir, "img001.dat"), obfuscated, 0o644); err != nil {
		t.Fatal(err)
	}
	return storePath, dataDir
}

func openTestClient(t *testing.T) *Client {
	t.Helper()
	storePath, _ := buildAccountTree(t)
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenSessions(t *testing.T) {
	storePath, _ := buildAccountTree(t)
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Version() != V3 {
		t.Fatalf("version = %s, want v3", c.Version())
	}
	if c.StorePath() != storePath {
		t.Fatalf("store path = %q, want %q", c.StorePath(), storePath)
	}

	sessions, err := c.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != testFriend || sessions[1].ID != testRoom {
		t.Fatalf("session order = %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestContacts(t *testing.T) {
	c := openTestClient(t)

	contacts, err := c.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 3 {
		t.Fatalf("got %d contacts, want 3", len(contacts))
	}
	var friend *Contact
	for i := range contacts {
		if contacts[i].ID == testFriend {
			friend = &contacts[i]
		}
	}
	if friend == nil {
		t.Fatalf("friend not in contacts")
	}
	if friend.DisplayName() != "Old Cat" {
		t.Fatalf("display name = %q, want remark", friend.DisplayName())
	}
}

func TestMessagesDecode(t *testing.T) {
	c := openTestClient(t)

	var msgs []Message
	for m, err := range c.Messages(testFriend) {
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	// Stored order is by timestamp, so the image from 1700000050 leads.
	if msgs[0].Key != 9003 || msgs[0].Kind != KindImage {
		t.Fatalf("msgs[0] = key %d kind %s", msgs[0].Key, msgs[0].Kind)
	}
	if msgs[0].Image.Ref.MD5 != testImgMD5 {
		t.Fatalf("image md5 = %q", msgs[0].Image.Ref.MD5)
	}
	if msgs[1].Key != 9001 || msgs[1].Text != "hello" {
		t.Fatalf("msgs[1] = key %d text %q", msgs[1].Key, msgs[1].Text)
	}
	if msgs[1].Outgoing || msgs[1].Sender != testFriend {
		t.Fatalf("msgs[1] sender = %q outgoing = %v", msgs[1].Sender, msgs[1].Outgoing)
	}
	// The sidecar supplies the account id for outgoing attribution.
	if !msgs[2].Outgoing || msgs[2].Sender != testSelf {
		t.Fatalf("msgs[2] sender = %q outgoing = %v", msgs[2].Sender, msgs[2].Outgoing)
	}
}

func TestMessagesRestartable(t *testing.T) {
	c := openTestClient(t)

	for m, err := range c.Messages(testFriend) {
		if err != nil {
			t.Fatal(err)
		}
		if m.Key == 9003 {
			break
		}
	}

	count := 0
	for _, err := range c.Messages(testFriend) {
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("second pass saw %d messages, want 3", count)
	}
}

func TestAccountSidecar(t *testing.T) {
	storePath, dataDir := buildAccountTree(t)
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	info := c.Account()
	if info == nil {
		t.Fatal("no account info loaded")
	}
	if info.WXID != testSelf || info.Name != "Me" {
		t.Fatalf("account = %+v", info)
	}
	if c.DataDir() != dataDir {
		t.Fatalf("data dir = %q, want %q", c.DataDir(), dataDir)
	}
}

func TestOpenMedia(t *testing.T) {
	c := openTestClient(t)

	var ref MediaRef
	for m, err := range c.Messages(testFriend) {
		if err != nil {
			t.Fatal(err)
		}
		if m.Kind == KindImage {
			ref = m.Image.Ref
		}
	}
	if ref.MD5 == "" {
		t.Fatal("no image reference decoded")
	}

	blob, err := c.OpenMedia(ref)
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Close()
	if blob.Ext != "jpg" {
		t.Fatalf("ext = %q, want jpg", blob.Ext)
	}
	data, err := io.ReadAll(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, testJPEG) {
		t.Fatalf("media bytes not de-obfuscated")
	}
}

func TestOpenMediaWithoutDataDir(t *testing.T) {
	// A bare store with no sidecar and no media tree around it.
	storePath := buildStoreFile(t, t.TempDir())
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.OpenMedia(MediaRef{MD5: testImgMD5})
	if !errors.Is(err, ErrMediaMissing) {
		t.Fatalf("err = %v, want ErrMediaMissing", err)
	}
}

func TestNotLoadedGuards(t *testing.T) {
	c := NewClient()

	if _, err := c.Sessions(); err == nil || !strings.Contains(err.Error(), "not loaded") {
		t.Fatalf("Sessions err = %v", err)
	}
	if _, err := c.Contacts(); err == nil {
		t.Fatalf("Contacts did not fail")
	}
	for _, err := range c.Messages(testFriend) {
		if err == nil {
			t.Fatal("Messages yielded without a store")
		}
	}
	if _, err := c.Export(context.Background(), ExportRequest{}); err == nil {
		t.Fatalf("Export did not fail")
	}
	if _, err := c.OpenMedia(MediaRef{MD5: testImgMD5}); err == nil {
		t.Fatalf("OpenMedia did not fail")
	}
}

func TestOpenDirectory(t *testing.T) {
	storePath, _ := buildAccountTree(t)
	c, err := Open(filepath.Dir(storePath))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.StorePath() != storePath {
		t.Fatalf("discovered %q, want %q", c.StorePath(), storePath)
	}
}

func TestOpenDirectoryAmbiguous(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one.db", "two.db"} {
		db, err := sql.Open("sqlite", filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`CREATE TABLE t (x)`); err != nil {
			t.Fatal(err)
		}
		db.Close()
	}

	if _, err := Open(dir); err == nil || !strings.Contains(err.Error(), "multiple store files") {
		t.Fatalf("err = %v, want ambiguity error", err)
	}

	// A decrypt output by its well-known name wins over stray copies.
	storePath := buildStoreFile(t, dir)
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.StorePath() != storePath {
		t.Fatalf("discovered %q, want %q", c.StorePath(), storePath)
	}
}

func TestOpenEmptyDirectory(t *testing.T) {
	_, err := Open(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no decrypted store") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenEncryptedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if err == nil || !strings.Contains(err.Error(), "still encrypted") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenMissingStore(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatal("open of a missing store did not fail")
	}
}

func TestExportAll(t *testing.T) {
	storePath, _ := buildAccountTree(t)
	outDir := t.TempDir()
	c, err := Open(storePath, WithOutputDir(outDir))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sum, err := c.ExportAll(context.Background(), FormatTXT, FormatCSV)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Exported != 1 || sum.Skipped != 1 || sum.Failed != 0 {
		t.Fatalf("counts = %d/%d/%d", sum.Exported, sum.Skipped, sum.Failed)
	}

	var friend SessionResult
	for _, res := range sum.Results {
		if res.SessionID == testFriend {
			friend = res
		}
	}
	if friend.Messages != 3 || friend.MediaSaved != 1 {
		t.Fatalf("friend result = %+v", friend)
	}
	if friend.Title != "Old Cat" {
		t.Fatalf("title = %q", friend.Title)
	}

	txt, err := os.ReadFile(filepath.Join(outDir, testFriend+".txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(txt), "hello") {
		t.Fatalf("transcript missing body:\n%s", txt)
	}
	if _, err := os.Stat(filepath.Join(outDir, testFriend+".csv")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "files", testFriend, "9003.jpg")); err != nil {
		t.Fatalf("saved media: %v", err)
	}
}

func TestExportSelection(t *testing.T) {
	storePath, _ := buildAccountTree(t)
	outDir := t.TempDir()
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sum, err := c.Export(context.Background(), ExportRequest{
		OutDir:  outDir,
		Formats: []Format{FormatCSV},
		Selection: Selection{
			Sessions: []string{testFriend},
			Kinds:    []Kind{KindText},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Results) != 1 || sum.Results[0].Messages != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	f, err := os.Open(filepath.Join(outDir, testFriend+".csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 { // header plus the two text rows
		t.Fatalf("got %d csv records, want 3", len(records))
	}
}

func TestExportDefaultFormat(t *testing.T) {
	storePath, _ := buildAccountTree(t)
	outDir := t.TempDir()
	c, err := Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Export(context.Background(), ExportRequest{OutDir: outDir}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(outDir, testFriend+".html")); err != nil {
		t.Fatalf("default format artifact: %v", err)
	}
}

func TestParseKey(t *testing.T) {
	hex := strings.Repeat("ab", 32)
	key, err := ParseKey(hex)
	if err != nil {
		t.Fatal(err)
	}
	if key.Hex() != hex {
		t.Fatalf("round trip = %q", key.Hex())
	}

	if _, err := ParseKey("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := ParseKey(strings.Repeat("zz", 32)); err == nil {
		t.Fatal("non-hex key accepted")
	}
}

func TestDetectStorePlain(t *testing.T) {
	storePath := buildStoreFile(t, t.TempDir())
	v, err := DetectStore(storePath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != StorePlain {
		t.Fatalf("version = %s, want plain", v)
	}
}

func TestDecryptStorePlainPassthrough(t *testing.T) {
	storePath := buildStoreFile(t, t.TempDir())
	dst := filepath.Join(t.TempDir(), "out.db")

	v, err := DecryptStore(context.Background(), storePath, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != StorePlain {
		t.Fatalf("version = %s, want plain", v)
	}
	want, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("passthrough copy differs from source")
	}
}
