package assoc_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimsenet/dimsenet/assoc"
	"github.com/dimsenet/dimsenet/dcmerr"
	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dicomserver"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/pdu"
	"github.com/dimsenet/dimsenet/service"
	"github.com/dimsenet/dimsenet/sopclass"
)

const testTimeout = 5 * time.Second

// pipePair negotiates a requestor/acceptor pair over an in-memory pipe and
// starts the acceptor's serve loop.
func pipePair(t *testing.T, clientCfg assoc.Config, dispatcher *service.Dispatcher) (*assoc.Association, *assoc.Association) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	serverCh := make(chan *assoc.Association, 1)
	errCh := make(chan error, 1)
	go func() {
		server, err := assoc.Accept(ctx, serverConn, assoc.Config{
			CalledAETitle: "TEST_SCP",
			ACSETimeout:   testTimeout,
			DIMSETimeout:  testTimeout,
			StripAETitles: true,
			Dispatcher:    dispatcher,
		})
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- server
		go server.Serve(context.Background())
	}()

	clientCfg.CallingAETitle = "TEST_SCU"
	clientCfg.CalledAETitle = "TEST_SCP"
	if clientCfg.ACSETimeout == 0 {
		clientCfg.ACSETimeout = testTimeout
	}
	if clientCfg.DIMSETimeout == 0 {
		clientCfg.DIMSETimeout = testTimeout
	}
	client := assoc.New(clientCfg)
	require.NoError(t, client.SetSocket(clientConn))
	require.NoError(t, client.Request(ctx))

	select {
	case server := <-serverCh:
		return client, server
	case err := <-errCh:
		t.Fatalf("acceptor failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out establishing pair")
	}
	return nil, nil
}

func encodeIdentifier(t *testing.T, pairs map[dicom.Tag]string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	for tag, v := range pairs {
		ds.AddElement(tag, dicom.VR_UI, v)
	}
	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, sopclass.ExplicitVRLittleEndian)
	require.NoError(t, err)
	return encoded
}

func TestEcho(t *testing.T) {
	dispatcher := service.NewDispatcher()
	var gotMessageID uint16
	dispatcher.Verification.Register(sopclass.VerificationSOPClass,
		func(_ context.Context, req service.VerificationRequest) (uint16, error) {
			gotMessageID = req.MessageID
			return dimsemsg.StatusSuccess, nil
		})

	client, server := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	require.True(t, client.IsEstablished())
	require.True(t, server.IsEstablished())
	assert.Equal(t, "TEST_SCU", server.RemoteAETitle)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	status, err := client.SendCEcho(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), status)
	assert.NotZero(t, gotMessageID)
}

func TestEchoWithoutHandlerStillSucceeds(t *testing.T) {
	client, _ := pipePair(t, assoc.Config{}, service.NewDispatcher())
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	status, err := client.SendCEcho(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), status)
}

func TestStoreNoAcceptableContext(t *testing.T) {
	client, _ := pipePair(t, assoc.Config{}, service.NewDispatcher())
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := client.SendCStore(ctx, assoc.StoreRequest{
		SOPClassUID:       sopclass.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: sopclass.JPEGBaseline8Bit,
		Data:              []byte{0x00, 0x01},
	})
	var want *dcmerr.NoAcceptableContext
	require.ErrorAs(t, err, &want)
	assert.Equal(t, sopclass.JPEGBaseline8Bit, want.TransferSyntaxUID)
}

func TestStoreRoundTrip(t *testing.T) {
	dispatcher := service.NewDispatcher()
	var stored service.StorageRequest
	dispatcher.Storage.Register(sopclass.CTImageStorage,
		func(_ context.Context, req service.StorageRequest) (uint16, error) {
			stored = req
			return dimsemsg.StatusSuccess, nil
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	status, err := client.SendCStore(ctx, assoc.StoreRequest{
		SOPClassUID:       sopclass.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: sopclass.ExplicitVRLittleEndian,
		Data:              []byte{0x08, 0x00, 0x18, 0x00, 'U', 'I', 0x04, 0x00, '1', '.', '2', '.'},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), status)
	assert.Equal(t, "1.2.3.4", stored.AffectedSOPInstanceUID)
	assert.NotEmpty(t, stored.Dataset)
}

func TestStoreHandlerFailureStatus(t *testing.T) {
	dispatcher := service.NewDispatcher()
	dispatcher.Storage.Register(sopclass.CTImageStorage,
		func(context.Context, service.StorageRequest) (uint16, error) {
			return 0, errors.New("disk full")
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	status, err := client.SendCStore(ctx, assoc.StoreRequest{
		SOPClassUID:       sopclass.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: sopclass.ExplicitVRLittleEndian,
		Data:              []byte{0x00, 0x01},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(dcmerr.StatusStoreHandlerFailure), status)
}

func TestFindStream(t *testing.T) {
	identifierA := encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1.1"})
	identifierB := encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1.2"})
	identifierC := encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1.3"})

	dispatcher := service.NewDispatcher()
	dispatcher.Find.Register(sopclass.StudyRootQueryRetrieveInformationModelFind,
		func(context.Context, service.FindRequest) (service.FindResults, error) {
			return func(yield func(service.FindResult) bool) {
				yield(service.FindResult{Status: 0xFF00, Identifier: identifierA})
				yield(service.FindResult{Status: 0xFF00, Identifier: identifierB})
				yield(service.FindResult{Status: 0xFF01, Identifier: identifierC})
			}, nil
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var results []assoc.QueryResult
	for res, err := range client.SendCFind(ctx, assoc.Query{
		SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelFind,
		Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: ""}),
	}) {
		require.NoError(t, err)
		results = append(results, res)
	}

	require.Len(t, results, 4)
	assert.Equal(t, uint16(0xFF00), results[0].Status)
	assert.Equal(t, uint16(0xFF00), results[1].Status)
	assert.Equal(t, uint16(0xFF01), results[2].Status)
	assert.Equal(t, uint16(0x0000), results[3].Status)
	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, results[i].Identifier, "pending %d identifier", i)
	}
	assert.Empty(t, results[3].Identifier)
}

func TestFindHandlerErrorStatus(t *testing.T) {
	dispatcher := service.NewDispatcher()
	dispatcher.Find.Register(sopclass.StudyRootQueryRetrieveInformationModelFind,
		func(context.Context, service.FindRequest) (service.FindResults, error) {
			return nil, errors.New("backend unavailable")
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var last assoc.QueryResult
	for res, err := range client.SendCFind(ctx, assoc.Query{
		SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelFind,
		Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1"}),
	}) {
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, uint16(dcmerr.StatusFindHandlerFailure), last.Status)
}

func TestMoveUnknownDestination(t *testing.T) {
	dispatcher := service.NewDispatcher()
	dispatcher.Move.Register(sopclass.StudyRootQueryRetrieveInformationModelMove,
		func(context.Context, service.FindRequest) (service.MoveProgram, error) {
			return service.MoveProgram{Destination: service.MoveDestination{Known: false}}, nil
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var results []assoc.RetrieveResult
	for res, err := range client.SendCMove(ctx, assoc.MoveQuery{
		Query: assoc.Query{
			SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelMove,
			Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1"}),
		},
		Destination: "NOWHERE",
	}) {
		require.NoError(t, err)
		results = append(results, res)
	}

	require.Len(t, results, 1)
	assert.Equal(t, uint16(0xA801), results[0].Status)
	assert.Equal(t, uint16(0), results[0].Completed)
}

func TestMoveFanOutOverTCP(t *testing.T) {
	// Destination store SCP on a real listener.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	destDispatcher := service.NewDispatcher()
	var mu sync.Mutex
	var destStores []service.StorageRequest
	for _, uid := range sopclass.StorageSOPClasses() {
		destDispatcher.Storage.Register(uid,
			func(_ context.Context, req service.StorageRequest) (uint16, error) {
				mu.Lock()
				destStores = append(destStores, req)
				mu.Unlock()
				return dimsemsg.StatusSuccess, nil
			})
	}
	destCtx, destCancel := context.WithCancel(context.Background())
	t.Cleanup(destCancel)
	go dicomserver.New("DEST_SCP", destDispatcher).Serve(destCtx, listener)

	port := listener.Addr().(*net.TCPAddr).Port

	instance := encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0008, Element: 0x0018}: "1.2.3.1"})
	dispatcher := service.NewDispatcher()
	dispatcher.Move.Register(sopclass.StudyRootQueryRetrieveInformationModelMove,
		func(context.Context, service.FindRequest) (service.MoveProgram, error) {
			return service.MoveProgram{
				Destination: service.MoveDestination{
					Known: true, AETitle: "DEST_SCP", Address: "127.0.0.1", Port: port,
				},
				Total: 2,
				SubOps: func(yield func(service.SubOpResult) bool) {
					for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
						if !yield(service.SubOpResult{
							Status:                 dimsemsg.StatusPending,
							AffectedSOPClassUID:    sopclass.CTImageStorage,
							AffectedSOPInstanceUID: uid,
							Dataset:                instance,
						}) {
							return
						}
					}
				},
			}, nil
		})

	client, _ := pipePair(t, assoc.Config{}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var results []assoc.RetrieveResult
	for res, err := range client.SendCMove(ctx, assoc.MoveQuery{
		Query: assoc.Query{
			SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelMove,
			Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1"}),
		},
		Destination: "DEST_SCP",
	}) {
		require.NoError(t, err)
		results = append(results, res)
	}

	require.Len(t, results, 3)
	assert.Equal(t, uint16(0xFF00), results[0].Status)
	assert.Equal(t, uint16(0xFF00), results[1].Status)
	assert.Equal(t, uint16(0x0000), results[2].Status)
	assert.Equal(t, uint16(2), results[2].Completed)
	assert.Equal(t, uint16(0), results[2].Failed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, destStores, 2)
	assert.Equal(t, "TEST_SCU", destStores[0].MoveOriginatorAE)
	require.NotNil(t, destStores[0].MoveOriginatorMessageID)
}

func TestGetSubOperationsOverSameAssociation(t *testing.T) {
	instance := encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0008, Element: 0x0018}: "1.2.3.1"})
	dispatcher := service.NewDispatcher()
	dispatcher.Get.Register(sopclass.StudyRootQueryRetrieveInformationModelGet,
		func(context.Context, service.FindRequest) (service.GetProgram, error) {
			return service.GetProgram{
				Total: 1,
				SubOps: func(yield func(service.SubOpResult) bool) {
					yield(service.SubOpResult{
						Status:                 dimsemsg.StatusPending,
						AffectedSOPClassUID:    sopclass.CTImageStorage,
						AffectedSOPInstanceUID: "1.2.3.1",
						Dataset:                instance,
					})
				},
			}, nil
		})

	client, _ := pipePair(t, assoc.Config{
		RoleSelections: []pdu.RoleSelection{
			{SOPClassUID: sopclass.CTImageStorage, SCURole: false, SCPRole: true},
		},
	}, dispatcher)
	defer client.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var storedUIDs []string
	onStore := func(req service.StorageRequest) uint16 {
		storedUIDs = append(storedUIDs, req.AffectedSOPInstanceUID)
		return dimsemsg.StatusSuccess
	}

	var results []assoc.RetrieveResult
	for res, err := range client.SendCGet(ctx, assoc.Query{
		SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelGet,
		Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1"}),
	}, onStore) {
		require.NoError(t, err)
		results = append(results, res)
	}

	require.Len(t, results, 2)
	assert.Equal(t, uint16(0xFF00), results[0].Status)
	assert.Equal(t, uint16(0x0000), results[1].Status)
	assert.Equal(t, uint16(1), results[1].Completed)
	assert.Equal(t, []string{"1.2.3.1"}, storedUIDs)
}

func TestReleaseHandshake(t *testing.T) {
	client, server := pipePair(t, assoc.Config{}, service.NewDispatcher())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, client.Release(ctx))

	assert.True(t, client.IsReleased())
	assert.False(t, client.IsEstablished())
	assert.False(t, client.IsAborted())

	// The server observes the release shortly after acknowledging it.
	require.Eventually(t, server.IsReleased, testTimeout, 10*time.Millisecond)
}

func TestAbortCompletesPendingCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	dispatcher := service.NewDispatcher()
	dispatcher.Find.Register(sopclass.StudyRootQueryRetrieveInformationModelFind,
		func(context.Context, service.FindRequest) (service.FindResults, error) {
			close(started)
			<-release
			return func(func(service.FindResult) bool) {}, nil
		})
	t.Cleanup(func() { close(release) })

	client, _ := pipePair(t, assoc.Config{}, dispatcher)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	done := make(chan []assoc.QueryResult, 1)
	go func() {
		var results []assoc.QueryResult
		for res, err := range client.SendCFind(ctx, assoc.Query{
			SOPClassUID: sopclass.StudyRootQueryRetrieveInformationModelFind,
			Identifier:  encodeIdentifier(t, map[dicom.Tag]string{{Group: 0x0020, Element: 0x000D}: "1"}),
		}) {
			if err != nil {
				done <- nil
				return
			}
			results = append(results, res)
		}
		done <- results
	}()

	<-started
	client.Abort()
	require.True(t, client.IsAborted())
	assert.False(t, client.IsEstablished())
	assert.False(t, client.IsReleased())
	assert.False(t, client.IsRejected())

	select {
	case results := <-done:
		// The pending call completed without an error: an empty result.
		require.Len(t, results, 1)
		assert.Equal(t, assoc.QueryResult{}, results[0])
	case <-time.After(testTimeout):
		t.Fatal("pending SCU call did not complete after abort")
	}
}

func TestCalledAETitleMismatchRejects(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	go func() {
		_, _ = assoc.Accept(ctx, serverConn, assoc.Config{
			CalledAETitle: "RIGHT_SCP",
			ACSETimeout:   testTimeout,
			StripAETitles: true,
			Dispatcher:    service.NewDispatcher(),
		})
	}()

	client := assoc.New(assoc.Config{
		CallingAETitle: "TEST_SCU",
		CalledAETitle:  "WRONG_SCP",
		ACSETimeout:    testTimeout,
	})
	require.NoError(t, client.SetSocket(clientConn))
	err := client.Request(ctx)

	var rejected *dcmerr.AssociationRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, dcmerr.RejectReasonCalledAENotRecognized, rejected.Reason)
	assert.True(t, client.IsRejected())
}

func TestSetSocketTwiceFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	a := assoc.New(assoc.Config{CallingAETitle: "X", CalledAETitle: "Y"})
	require.NoError(t, a.SetSocket(clientConn))
	assert.ErrorIs(t, a.SetSocket(serverConn), dcmerr.ErrSocketAlreadySet)
}
