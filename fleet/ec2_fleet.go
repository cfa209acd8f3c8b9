package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Octogonapus/EintopfBenchmark/remote"
	"github.com/Octogonapus/EintopfBenchmark/util"
	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh"
)

const vpcCidr = "10.0.0.0/16"

type EC2BackendInput struct {
	AwsConfig aws.Config
	AMI       string
	User      string
	SSHPort   int
	// The port nodes use to reach each other during a run. Opened within the VPC only.
	PeerPort int
	Pool     *pond.WorkerPool
}

type ec2Backend struct {
	input    *EC2BackendInput
	ec2      *ec2.Client
	vpcID    *string
	igwID    *string
	sgID     *string
	subnetID *string
	keyName  *string
	keyID    *string
	signer   ssh.Signer
	live     []string
}

func NewEC2Backend(input *EC2BackendInput) Backend {
	return &ec2Backend{
		input: input,
		ec2:   ec2.NewFromConfig(input.AwsConfig),
	}
}

func (b *ec2Backend) SetUp(ctx context.Context) error {
	cidr := aws.String(vpcCidr)
	vpc, err := b.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: cidr,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags: []ec2Types.Tag{{
				Key:   aws.String("Name"),
				Value: b.randString(),
			}},
		}},
	})
	if err != nil {
		return err
	}
	slog.Debug("created VPC", slog.String("ID", *vpc.Vpc.VpcId))
	b.vpcID = vpc.Vpc.VpcId

	// This must be done in two requests
	_, err = b.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            b.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = b.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              b.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := b.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:     b.vpcID,
		CidrBlock: cidr,
	})
	if err != nil {
		return err
	}
	slog.Debug("created subnet", slog.String("ID", *subnet.Subnet.SubnetId))
	b.subnetID = subnet.Subnet.SubnetId

	igw, err := b.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	slog.Debug("created internet gateway", slog.String("ID", *igw.InternetGateway.InternetGatewayId))
	b.igwID = igw.InternetGateway.InternetGatewayId

	_, err = b.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: b.igwID,
		VpcId:             b.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := b.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*b.vpcID}},
		},
	})
	if err != nil {
		return err
	}

	_, err = b.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTable.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            b.igwID,
	})
	if err != nil {
		return err
	}

	sg, err := b.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   b.randString(),
		Description: b.randString(),
		VpcId:       b.vpcID,
	})
	if err != nil {
		return err
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	b.sgID = sg.GroupId

	_, err = b.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: b.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(int32(b.input.SSHPort)),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(int32(b.input.SSHPort)),
			},
			{
				FromPort:   aws.Int32(int32(b.input.PeerPort)),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String(vpcCidr)}},
				ToPort:     aws.Int32(int32(b.input.PeerPort)),
			},
		},
	})
	if err != nil {
		return err
	}

	keyPair, err := b.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   b.randString(),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return err
	}
	b.keyName = keyPair.KeyName
	b.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *b.keyID))
	b.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	if err != nil {
		return err
	}

	return nil
}

func (b *ec2Backend) Create(ctx context.Context, class string, count int) ([]Machine, error) {
	resp, err := b.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		EbsOptimized: aws.Bool(true),
		ImageId:      aws.String(b.input.AMI),
		InstanceType: ec2Types.InstanceType(class),
		KeyName:      b.keyName,
		NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
			{
				DeviceIndex:              aws.Int32(0),
				AssociatePublicIpAddress: aws.Bool(true),
				Groups:                   []string{*b.sgID},
				SubnetId:                 b.subnetID,
				DeleteOnTermination:      aws.Bool(true),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch %d %s instances: %w", count, class, err)
	}

	// Instance order in the response defines machine order for this call.
	ids := make([]string, len(resp.Instances))
	for i, instance := range resp.Instances {
		ids[i] = *instance.InstanceId
	}
	b.live = append(b.live, ids...)
	slog.Debug("launched instances", slog.Int("count", len(ids)))

	machines, err := b.waitForIPs(ctx, ids)
	if err != nil {
		b.terminate(ids)
		return nil, err
	}

	bar := progressbar.Default(int64(len(machines)), "Waiting for instances:")
	group, gctx := b.input.Pool.GroupContext(ctx)
	for _, m := range machines {
		group.Submit(func() error {
			if err := b.waitForReachable(gctx, m); err != nil {
				return err
			}
			bar.Add(1)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		b.terminate(ids)
		return nil, err
	}
	return machines, nil
}

func (b *ec2Backend) waitForIPs(ctx context.Context, ids []string) ([]Machine, error) {
	for i := 0; i < 20; i++ {
		resp, err := b.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: ids,
		})
		if err != nil {
			return nil, err
		}

		byID := map[string]ec2Types.Instance{}
		for _, res := range resp.Reservations {
			for _, instance := range res.Instances {
				byID[*instance.InstanceId] = instance
			}
		}

		machines := make([]Machine, 0, len(ids))
		for _, id := range ids {
			instance := byID[id]
			if instance.PublicIpAddress == nil || instance.PrivateIpAddress == nil {
				break
			}
			machines = append(machines, Machine{
				ID:        id,
				PublicIP:  *instance.PublicIpAddress,
				PrivateIP: *instance.PrivateIpAddress,
				User:      b.input.User,
				Identity:  b.signer,
			})
		}
		if len(machines) == len(ids) {
			return machines, nil
		}

		slog.Debug("waiting for instances to get IPs", slog.Int("have", len(machines)), slog.Int("want", len(ids)))
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("timed out waiting for %d instances to get IPs", len(ids))
}

func (b *ec2Backend) waitForReachable(ctx context.Context, m Machine) error {
	for i := 0; i < 6*5; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := remote.Connect(m.PublicIP, b.input.SSHPort, m.User, m.Identity)
		if err == nil {
			out, rerr := s.Run("whoami")
			s.Close()
			if rerr == nil && out.Ok() && strings.TrimSpace(out.Stdout) == m.User {
				return nil
			}
		}
		time.Sleep(10 * time.Second)
	}
	return fmt.Errorf("timed out waiting for %s to be reachable", m.PublicIP)
}

func (b *ec2Backend) Destroy(ctx context.Context, machines []Machine) error {
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	return b.terminate(ids)
}

func (b *ec2Backend) terminate(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.ec2.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instances: %w", err)
	}

	gone := map[string]bool{}
	for _, id := range ids {
		gone[id] = true
	}
	remaining := b.live[:0]
	for _, id := range b.live {
		if !gone[id] {
			remaining = append(remaining, id)
		}
	}
	b.live = remaining

	// Wait for the instances to be terminated, otherwise teardown can fail
	for i := 0; i < 5; i++ {
		resp, err := b.ec2.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{
			InstanceIds: ids,
		})
		if err == nil && allTerminated(resp) {
			return nil
		}
		slog.Debug("waiting for instances to finish terminating")
		time.Sleep(60 * time.Second)
	}
	return nil
}

func allTerminated(resp *ec2.DescribeInstancesOutput) bool {
	for _, res := range resp.Reservations {
		for _, instance := range res.Instances {
			if instance.State.Name != ec2Types.InstanceStateNameTerminated {
				return false
			}
		}
	}
	return true
}

func (b *ec2Backend) TearDown() error {
	if err := b.terminate(b.live); err != nil {
		slog.Error("TerminateInstances failed", slog.String("error", err.Error()))
	}

	if b.keyID != nil {
		_, err := b.ec2.DeleteKeyPair(context.Background(), &ec2.DeleteKeyPairInput{
			KeyPairId: b.keyID,
		})
		if err != nil {
			slog.Error("DeleteKeyPair failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted key pair", slog.String("ID", *b.keyID))
		}
	}

	if b.sgID != nil {
		_, err := b.ec2.DeleteSecurityGroup(context.Background(), &ec2.DeleteSecurityGroupInput{
			GroupId: b.sgID,
		})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted security group", slog.String("ID", *b.sgID))
		}
	}

	if b.igwID != nil {
		_, err := b.ec2.DetachInternetGateway(context.Background(), &ec2.DetachInternetGatewayInput{
			VpcId:             b.vpcID,
			InternetGatewayId: b.igwID,
		})
		if err != nil {
			slog.Error("DetachInternetGateway failed", slog.String("error", err.Error()))
		}

		_, err = b.ec2.DeleteInternetGateway(context.Background(), &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: b.igwID,
		})
		if err != nil {
			slog.Error("DeleteInternetGateway failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted internet gateway", slog.String("ID", *b.igwID))
		}
	}

	if b.subnetID != nil {
		_, err := b.ec2.DeleteSubnet(context.Background(), &ec2.DeleteSubnetInput{
			SubnetId: b.subnetID,
		})
		if err != nil {
			slog.Error("DeleteSubnet failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted subnet", slog.String("ID", *b.subnetID))
		}
	}

	if b.vpcID != nil {
		_, err := b.ec2.DeleteVpc(context.Background(), &ec2.DeleteVpcInput{
			VpcId: b.vpcID,
		})
		if err != nil {
			slog.Error("DeleteVpc failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted VPC", slog.String("ID", *b.vpcID))
		}
	}

	return nil
}

func (b *ec2Backend) randString() *string {
	return aws.String(fmt.Sprintf("eintopf-%s", util.Randstring(8)))
}
